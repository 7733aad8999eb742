// Package sse parses Server-Sent-Events streams on the consuming side. The
// tail command and the HTTP API tests use it to decode the frames spool
// serves, and it can mirror the raw bytes to a second writer while parsing.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

import "strings"

// Event represents a single parsed SSE event, delimited by a blank line.
type Event struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string

	// Data is every "data:" line of the event joined with "\n".
	Data string

	// ID is the "id:" field, if present. S2 sessions send comma separated
	// positions; spool's own durable streams send none.
	ID string

	// Retry is the raw "retry:" field, if present.
	Retry string
}

// Lines splits Data back into the individual data lines of the event.
func (e *Event) Lines() []string {
	if e.Data == "" {
		return nil
	}
	return strings.Split(e.Data, "\n")
}
