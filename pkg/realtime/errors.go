package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by backends that do not implement an operation.
	ErrUnsupported = errors.New("operation not supported by this stream backend")

	// ErrInvalidKey is returned for incomplete stream keys.
	ErrInvalidKey = errors.New("invalid stream key")
)

// TransportError is a failure talking to the durable backend. Readers retry
// it with bounded backoff; ingestion turns it into a server error response.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stream transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// UpstreamError is a non-success response from an external log service.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed with status %d: %s", e.Op, e.Status, e.Body)
}

// ConfigurationError is raised when a selected backend lacks required settings.
type ConfigurationError struct {
	Backend string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s backend is not configured: %s", e.Backend, e.Reason)
}
