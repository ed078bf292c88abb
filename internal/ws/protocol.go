package ws

import (
	"encoding/json"

	"sales-funnel-crm-realtime/internal/event"
)

// Client frame types.
const (
	frameSubscribe = "subscribe"
	frameSync      = "sync"
	framePresence  = "presence"
	framePing      = "ping"
)

// Server frame types.
const (
	frameEvent        = "event"
	frameSyncResponse = "sync_response"
	frameGap          = "gap"
	framePong         = "pong"
	frameError        = "error"
)

// clientFrame is the union of everything a client may send. Type selects
// which fields are meaningful.
type clientFrame struct {
	Type string `json:"type"`

	// subscribe
	EventTypes []string `json:"eventTypes,omitempty"`

	// sync and ping
	LastEventID int64 `json:"lastEventId,omitempty"`

	// presence
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	Action     string `json:"action,omitempty"`
}

type pushFrame struct {
	Type  string      `json:"type"`
	Event event.Event `json:"event"`
}

type syncResponseFrame struct {
	Type    string        `json:"type"`
	Events  []event.Event `json:"events"`
	HasMore bool          `json:"hasMore"`
}

type gapFrame struct {
	Type           string `json:"type"`
	OldestSequence int64  `json:"oldestSequence"`
}

type pongFrame struct {
	Type        string `json:"type"`
	LastEventID int64  `json:"lastEventId"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PushFrame wraps a live event for delivery. Catch-up events travel in
// sync_response instead so the client can tell replay from live traffic.
func PushFrame(ev event.Event) ([]byte, error) {
	return json.Marshal(pushFrame{Type: frameEvent, Event: ev})
}

func SyncResponseFrame(events []event.Event, hasMore bool) ([]byte, error) {
	if events == nil {
		events = []event.Event{}
	}
	return json.Marshal(syncResponseFrame{Type: frameSyncResponse, Events: events, HasMore: hasMore})
}

// GapFrame tells the client its cursor predates retention and a full refresh
// is required before resuming incremental sync.
func GapFrame(oldestSequence int64) ([]byte, error) {
	return json.Marshal(gapFrame{Type: frameGap, OldestSequence: oldestSequence})
}

func PongFrame(lastEventID int64) ([]byte, error) {
	return json.Marshal(pongFrame{Type: framePong, LastEventID: lastEventID})
}

func ErrorFrame(code string, message string) ([]byte, error) {
	return json.Marshal(errorFrame{Type: frameError, Code: code, Message: message})
}
