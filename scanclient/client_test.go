package scanclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scanflow/config"
	"scanflow/models"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(config.ScannerConfig{
		URL:        srv.URL,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		Pacing: config.RateLimitConfig{
			RequestsPerSecond: 1000,
			BurstSize:         1000,
		},
	})
	c.backoffBase = time.Millisecond
	return c
}

func spreadFixture() models.VerticalSpread {
	return models.VerticalSpread{
		LongLeg:           models.OptionContract{Symbol: "SPY", Strike: 500, Right: "P", Delta: -0.30},
		ShortLeg:          models.OptionContract{Symbol: "SPY", Strike: 495, Right: "P", Delta: -0.25},
		NetDebit:          1.25,
		MaxProfit:         3.75,
		MaxLoss:           1.25,
		Breakeven:         498.75,
		ProbabilityProfit: 0.68,
		Score:             0.82,
	}
}

func TestScan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/scan" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req models.ScanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req.Symbol != "SPY" {
			t.Errorf("unexpected symbol: %s", req.Symbol)
		}
		json.NewEncoder(w).Encode(models.ScanResponse{Spreads: []models.VerticalSpread{spreadFixture()}})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	resp, err := c.Scan(context.Background(), models.ScanRequest{Symbol: "SPY", Limit: 10, SortBy: "score"})
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if len(resp.Spreads) != 1 || resp.Spreads[0].Score != 0.82 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestScanRetriesOnTooManyRequests(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(models.ScanResponse{})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	if _, err := c.Scan(context.Background(), models.ScanRequest{Symbol: "SPY"}); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestScanFailsAfterRetriesExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Scan(context.Background(), models.ScanRequest{Symbol: "SPY"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "after 3 retries") {
		t.Fatalf("unexpected error: %v", err)
	}
	// Initial attempt plus MaxRetries.
	if n := atomic.LoadInt32(&calls); n != 4 {
		t.Fatalf("expected 4 attempts, got %d", n)
	}
}

func TestScanServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown filter type"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Scan(context.Background(), models.ScanRequest{Symbol: "SPY"})
	errResp, ok := err.(*ErrorResponse)
	if !ok {
		t.Fatalf("expected *ErrorResponse, got %T: %v", err, err)
	}
	if errResp.Code != http.StatusBadRequest || errResp.Message != "unknown filter type" {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Version: "1.2.0"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	health, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	if health.Status != "healthy" {
		t.Fatalf("unexpected health status: %s", health.Status)
	}
}

func TestScanStatusAndCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/scan/job-1":
			json.NewEncoder(w).Encode(StatusResponse{ID: "job-1", Status: "running", Progress: 0.5})
		case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/scan/job-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv)
	status, err := c.ScanStatus(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ScanStatus returned error: %v", err)
	}
	if status.Status != "running" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if err := c.CancelScan(context.Background(), "job-1"); err != nil {
		t.Fatalf("CancelScan returned error: %v", err)
	}
}

func TestStreamingClient(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan WSMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		received <- msg

		payload, _ := json.Marshal(map[string]interface{}{"symbol": "SPY", "spreads_found": 2})
		conn.WriteJSON(WSMessage{Type: "scan_result", Payload: payload})

		// Hold the connection open until the client hangs up.
		conn.ReadJSON(&WSMessage{})
	}))
	defer srv.Close()

	c := New(config.ScannerConfig{
		URL:   srv.URL,
		WSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})

	sc, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sc.Close()

	results := make(chan json.RawMessage, 1)
	sc.OnMessage("scan_result", func(msgType string, payload json.RawMessage) {
		results <- payload
	})

	if err := sc.Subscribe([]string{"SPY"}, map[string]interface{}{"delta_min": 0.25}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "subscribe" {
			t.Fatalf("expected subscribe message, got %s", msg.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the subscribe message")
	}

	select {
	case payload := <-results:
		var body map[string]interface{}
		if err := json.Unmarshal(payload, &body); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if body["symbol"] != "SPY" {
			t.Fatalf("unexpected payload: %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the scan result")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadJSON(&WSMessage{})
		conn.Close()
	}))
	defer srv.Close()

	c := New(config.ScannerConfig{
		URL:   srv.URL,
		WSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	sc, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := sc.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestConcurrentClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.ReadJSON(&WSMessage{})
		conn.Close()
	}))
	defer srv.Close()

	c := New(config.ScannerConfig{
		URL:   srv.URL,
		WSURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	sc, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc.Close()
		}()
	}
	wg.Wait()
}
