// Package channel carries events from the coordinator out to the
// brokerage-facing consumer.
package channel

import (
	"context"
	"sync"
	"time"

	"scanflow/logger"
	"scanflow/models"
)

type ChannelStats struct {
	EventsSent    int64
	EventsDropped int64
}

// Channels holds the buffered event channel shared between the
// coordinator and the event consumer.
type Channels struct {
	Events chan models.Event

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events: make(chan models.Event, eventBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size": eventBufferSize,
	}).Info("event channel initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	c.log.WithComponent("channels").Info("event channel closed")
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.EventsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.EventsDropped++
	c.statsMutex.Unlock()
}

// Emit sends an event without blocking. A full buffer drops the event
// so a slow consumer can never stall a scan worker.
func (c *Channels) Emit(event models.Event) bool {
	select {
	case c.Events <- event:
		c.incrementSent()
		logger.RecordChannelMessage("events", 1)
		return true
	default:
		c.incrementDropped()
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"event_type": string(event.Type),
		}).Warn("event buffer full, dropping event")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel statistics on the given interval
// until ctx is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				c.log.WithComponent("channels").WithFields(logger.Fields{
					"events_sent":    stats.EventsSent,
					"events_dropped": stats.EventsDropped,
					"events_queued":  len(c.Events),
				}).Info("channel statistics")
			}
		}
	}()
}
