// Package realtime defines the contract shared by every stream backend: how
// producer bytes are ingested and how consumers receive a live SSE response.
//
// A backend is selected per request by protocol version. Implementations live
// in sibling packages (durable, relay, s2) and must be interchangeable behind
// the Backend interface.
package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Key identifies one logical output channel of one execution.
type Key struct {
	RunID    string
	StreamID string
}

func (k Key) String() string {
	return k.RunID + "/" + k.StreamID
}

// Validate reports whether both identifiers are set.
func (k Key) Validate() error {
	if k.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidKey)
	}
	if k.StreamID == "" {
		return fmt.Errorf("%w: stream id is required", ErrInvalidKey)
	}
	return nil
}

// IngestRequest carries the identifiers of one producer session.
type IngestRequest struct {
	Key

	// ClientID is the opaque producer session identity.
	ClientID string

	// ResumeFromChunk, when set, is the chunk index the producer continues
	// numbering from after a reconnect. It is trusted as given.
	ResumeFromChunk *int64
}

// Response is a backend's answer to an ingestion or a stream request.
// The caller owns Body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Ingestor accepts producer output.
type Ingestor interface {
	// IngestData consumes body until it is exhausted. Transport failures,
	// including a producer disconnecting mid-stream, are reported as a
	// Response with a server error status rather than as an error.
	IngestData(ctx context.Context, body io.Reader, req IngestRequest) (*Response, error)

	// LastChunkIndex returns the chunk index of the newest chunk written by
	// clientID for key, or -1 when there is none.
	LastChunkIndex(ctx context.Context, key Key, clientID string) (int64, error)
}

// Responder serves live streams to consumers.
type Responder interface {
	// StreamResponse returns a response whose body is an unbounded sequence
	// of SSE frames. Cancelling ctx or closing the body releases every
	// resource held by the stream.
	StreamResponse(ctx context.Context, req *http.Request, key Key) (*Response, error)
}

// Backend is a complete ingestion and response strategy.
type Backend interface {
	Ingestor
	Responder
}

// DirectWrite describes where and how a producer writes directly to an
// external log service instead of through Ingestor.
type DirectWrite struct {
	Endpoint    string    `json:"endpoint"`
	Namespace   string    `json:"namespace"`
	Stream      string    `json:"stream"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Initializer is implemented by backends whose producers write directly to
// an external service.
type Initializer interface {
	InitializeStream(ctx context.Context, key Key) (*DirectWrite, error)
}
