package streaming

import (
	"context"
	"time"
)

// ProgressEvent is a real-time event emitted during workflow execution.
type ProgressEvent struct {
	ExecutionID string    `json:"execution_id"`
	EventType   string    `json:"event_type"`
	StepIndex   *int      `json:"step_index,omitempty"`
	StepName    string    `json:"step_name,omitempty"`
	Status      string    `json:"status,omitempty"`
	Progress    float64   `json:"progress,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero-value fields match everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// ProgressSink receives execution progress events. Publish must never block
// the caller on slow consumers.
type ProgressSink interface {
	Publish(ctx context.Context, event ProgressEvent) error
}

// ProgressHub is a ProgressSink that also supports filtered subscriptions.
type ProgressHub interface {
	ProgressSink
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ProgressEvent, func(), error)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(context.Context, ProgressEvent) error { return nil }
