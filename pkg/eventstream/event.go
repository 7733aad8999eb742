package eventstream

import (
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeStreamIngested is emitted after a producer body has been ingested.
	EventTypeStreamIngested = "spool.stream.ingested"

	// EventTypeStreamInitialized is emitted after direct-write credentials were issued.
	EventTypeStreamInitialized = "spool.stream.initialized"
)

// StreamEvent is a transport-neutral lifecycle event for one stream.
type StreamEvent struct {
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	EmittedAt     time.Time `json:"emitted_at"`

	Environment string `json:"environment"`
	Version     string `json:"version"`
	RunID       string `json:"run_id"`
	StreamID    string `json:"stream_id"`
	ClientID    string `json:"client_id,omitempty"`

	Request RequestMeta `json:"request_meta"`
}

// RequestMeta captures the HTTP request that produced the event.
type RequestMeta struct {
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	HTTPStatus  int       `json:"http_status"`
}

// NewStreamEvent fills the envelope fields of a new event.
func NewStreamEvent(eventType string, startedAt time.Time, status int) *StreamEvent {
	now := time.Now().UTC()
	return &StreamEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     eventType,
		EventID:       uuid.NewString(),
		EmittedAt:     now,
		Request: RequestMeta{
			StartedAt:   startedAt.UTC(),
			CompletedAt: now,
			DurationMs:  now.Sub(startedAt).Milliseconds(),
			HTTPStatus:  status,
		},
	}
}
