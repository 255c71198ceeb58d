package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Call lifecycle event types
const (
	EventCallStarted  = "call.started"
	EventCallEnded    = "call.ended"
	EventTranscript   = "call.transcript"
	EventToolExecuted = "call.tool_executed"
)

// CallEvent is one lifecycle notification published for downstream consumers
type CallEvent struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	CallID    string                 `json:"call_id"`
	DID       string                 `json:"did,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewCallEvent stamps a new event with an id and the current time
func NewCallEvent(eventType, callID, did string, data map[string]interface{}) CallEvent {
	return CallEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		CallID:    callID,
		DID:       did,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Publisher delivers call events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event CallEvent) error
	Close() error
}

// NopPublisher discards every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, CallEvent) error { return nil }
func (NopPublisher) Close() error                             { return nil }
