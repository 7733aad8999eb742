package eventstream

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNilStreamEvent is returned by publishers handed a nil event.
	ErrNilStreamEvent = errors.New("nil stream event")

	// ErrIncompleteStreamEvent is returned for events missing their type or
	// stream identity.
	ErrIncompleteStreamEvent = errors.New("incomplete stream event")
)

// Publisher delivers lifecycle events to an event stream backend. Publishing
// happens off the request path, so implementations may block on the network
// until ctx expires.
type Publisher interface {
	PublishStreamEvent(ctx context.Context, event *StreamEvent) error
	Close() error
}

// Validate checks that event can be published.
func Validate(event *StreamEvent) error {
	switch {
	case event == nil:
		return ErrNilStreamEvent
	case event.EventType == "":
		return fmt.Errorf("%w: event type is required", ErrIncompleteStreamEvent)
	case event.RunID == "" || event.StreamID == "":
		return fmt.Errorf("%w: run and stream ids are required", ErrIncompleteStreamEvent)
	}
	return nil
}
