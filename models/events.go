package models

import "time"

// EventType identifies an event emitted toward the brokerage layer.
type EventType string

const (
	EventScanCompleted EventType = "scan_completed"
	EventError         EventType = "error"
)

// Event carries a notification for the brokerage connection layer.
type Event struct {
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}
