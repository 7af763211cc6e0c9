package scanclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scanflow/logger"
)

// MessageHandler handles one incoming stream message of a given type.
type MessageHandler func(msgType string, payload json.RawMessage)

// WSMessage is the wire envelope for both directions of the stream.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StreamingClient receives live scan results over WebSocket. Handlers
// are dispatched from a single read loop, one message at a time.
type StreamingClient struct {
	conn      *websocket.Conn
	log       *logger.Entry
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

// Connect establishes the WebSocket stream and starts the read loop.
func (c *Client) Connect(ctx context.Context) (*StreamingClient, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scan stream: %w", err)
	}

	sc := &StreamingClient{
		conn:     conn,
		log:      logger.GetLogger().WithComponent("scanclient-stream"),
		done:     make(chan struct{}),
		handlers: make(map[string]MessageHandler),
	}
	go sc.readLoop()

	return sc, nil
}

// Subscribe asks the service to push results for the given symbols.
func (sc *StreamingClient) Subscribe(symbols []string, filters map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"symbols": symbols,
		"filters": filters,
	})
	if err != nil {
		return err
	}
	return sc.conn.WriteJSON(WSMessage{Type: "subscribe", Payload: payload})
}

// Unsubscribe stops result pushes for the given symbols.
func (sc *StreamingClient) Unsubscribe(symbols []string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"symbols": symbols,
	})
	if err != nil {
		return err
	}
	return sc.conn.WriteJSON(WSMessage{Type: "unsubscribe", Payload: payload})
}

// OnMessage registers the handler for one message type. Registering
// again for the same type replaces the previous handler.
func (sc *StreamingClient) OnMessage(msgType string, handler MessageHandler) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.handlers[msgType] = handler
}

// Close tears down the stream. The read loop exits on the closed
// connection. Safe to call concurrently; only the first call closes
// the connection.
func (sc *StreamingClient) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		close(sc.done)
		err = sc.conn.Close()
	})
	return err
}

func (sc *StreamingClient) readLoop() {
	defer sc.conn.Close()

	for {
		var msg WSMessage
		if err := sc.conn.ReadJSON(&msg); err != nil {
			select {
			case <-sc.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					sc.log.WithError(err).Warn("scan stream closed unexpectedly")
				}
			}
			return
		}

		logger.IncrementStreamMessage(len(msg.Payload))

		sc.mu.RLock()
		handler := sc.handlers[msg.Type]
		sc.mu.RUnlock()
		if handler != nil {
			handler(msg.Type, msg.Payload)
		}
	}
}
