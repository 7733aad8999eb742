// Package nop provides the publisher used when lifecycle events are disabled.
package nop

import (
	"context"

	"github.com/papercomputeco/spool/pkg/eventstream"
)

// Publisher discards every valid event.
type Publisher struct{}

var _ eventstream.Publisher = (*Publisher)(nil)

func NewPublisher() *Publisher {
	return &Publisher{}
}

// PublishStreamEvent drops event after validating it, so callers see the same
// errors whichever provider is configured.
func (p *Publisher) PublishStreamEvent(_ context.Context, event *eventstream.StreamEvent) error {
	return eventstream.Validate(event)
}

func (p *Publisher) Close() error {
	return nil
}
