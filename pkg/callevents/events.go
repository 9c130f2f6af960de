// Package callevents publishes call lifecycle events for downstream
// consumers (billing, analytics, dashboards).
package callevents

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	TypeCallStarted = "call.started.v1"
	TypeCallEnded   = "call.ended.v1"

	Producer = "vai-callbridge"
)

type Meta struct {
	// Call id shared by every event of one call
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version, e.g. call.started.v1
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

type CallStarted struct {
	CallID    string    `json:"call_id"`
	StreamSID string    `json:"stream_sid"`
	CallSID   string    `json:"call_sid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type CallEnded struct {
	CallID          string `json:"call_id"`
	StreamSID       string `json:"stream_sid,omitempty"`
	CallSID         string `json:"call_sid,omitempty"`
	DurationMS      int64  `json:"duration_ms"`
	FinalState      string `json:"final_state"`
	AIConnected     bool   `json:"ai_connected"`
	FramesToAI      int    `json:"frames_to_ai"`
	FramesToCaller  int    `json:"frames_to_caller"`
	DroppedToAI     int    `json:"dropped_to_ai"`
	DroppedToCaller int    `json:"dropped_to_caller"`
	Malformed       int    `json:"malformed"`
}

// NewEnvelope stamps a fresh event id. correlationID is usually the call id.
func NewEnvelope(eventType, correlationID string, data any, now time.Time) Envelope {
	producer := Producer
	meta := Meta{
		ID:       uuid.NewString(),
		Producer: &producer,
		Time:     now.UTC(),
		Type:     eventType,
	}
	if correlationID != "" {
		cid := correlationID
		meta.CorrelationID = &cid
	}
	return Envelope{Meta: meta, Data: data}
}

type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }

func (Nop) Close() error { return nil }
