package sse

import (
	"bufio"
	"io"
	"strings"
)

const (
	initialBufferSize = 64 * 1024
	maxLineSize       = 1024 * 1024
)

// Reader reads SSE events from a source io.Reader. When constructed with
// NewTeeReader every raw line is also written, unchanged, to a destination
// writer before the event it belongs to is returned.
//
//	source ──▶ Reader.Next() ──▶ Event
//	               │
//	               ▼
//	          destination
type Reader struct {
	scanner *bufio.Scanner
	dest    io.Writer

	current *Event
	hasData bool
	lastID  string
}

// NewReader returns a Reader that parses SSE events from src.
func NewReader(src io.Reader) *Reader {
	return NewTeeReader(src, nil)
}

// NewTeeReader returns a Reader that parses events from src and mirrors all
// raw bytes to dest. A nil dest disables mirroring.
func NewTeeReader(src io.Reader, dest io.Writer) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, initialBufferSize), maxLineSize)

	return &Reader{
		scanner: scanner,
		dest:    dest,
		current: &Event{},
	}
}

// Next blocks until a complete event is available and returns it.
// Next returns nil, nil when the source is exhausted.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		raw := r.scanner.Text()

		if r.dest != nil {
			// Scanner strips the line terminator; put it back for the mirror.
			if _, err := io.WriteString(r.dest, raw+"\n"); err != nil {
				return nil, err
			}
		}

		raw = strings.TrimSuffix(raw, "\r")

		if raw == "" {
			if r.hasData {
				return r.emit(), nil
			}
			// Leading blank lines and keep-alives.
			continue
		}

		if strings.HasPrefix(raw, ":") {
			continue
		}

		r.parseLine(raw)
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}

	// Stream ended without a trailing blank line.
	if r.hasData {
		return r.emit(), nil
	}

	return nil, nil
}

// LastEventID returns the most recent "id:" value seen, which a client sends
// back as Last-Event-ID when it reconnects.
func (r *Reader) LastEventID() string {
	return r.lastID
}

// parseLine accumulates one "field:value" line into the current event. The
// first space after the colon is stripped.
func (r *Reader) parseLine(line string) {
	field, value, ok := strings.Cut(line, ":")
	if ok {
		value = strings.TrimPrefix(value, " ")
	} else {
		field = line
	}

	switch field {
	case "data":
		if r.hasData && r.current.Data != "" {
			r.current.Data += "\n"
		}
		r.current.Data += value
		r.hasData = true
	case "event":
		r.current.Type = value
		r.hasData = true
	case "id":
		// An id containing NUL is ignored.
		if !strings.ContainsRune(value, 0) {
			r.current.ID = value
			r.lastID = value
		}
		r.hasData = true
	case "retry":
		r.current.Retry = value
	}
}

func (r *Reader) emit() *Event {
	ev := r.current
	r.current = &Event{}
	r.hasData = false
	return ev
}
