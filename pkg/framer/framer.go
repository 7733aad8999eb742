// Package framer turns producer text into Server-Sent-Events frames.
//
// Producer chunks arrive at arbitrary boundaries. The Splitter accumulates them
// and yields whole lines, and Encode wraps each line as a single "data:" frame:
//
//	"ab" -> nothing
//	"c\nde" -> ["abc"]
//	"f\n" -> ["def"]
//
// Writer composes both stages on top of an io.Writer so response loops can
// write raw record data and get framed output on the wire.
package framer

import (
	"strings"
)

// Splitter buffers text across chunk boundaries and splits it into lines.
// A Splitter is not safe for concurrent use.
type Splitter struct {
	buf strings.Builder
}

// Transform appends chunk to the internal buffer and returns every complete,
// non-blank line. The trailing fragment is kept for the next call.
func (s *Splitter) Transform(chunk string) []string {
	if chunk == "" {
		return nil
	}

	s.buf.WriteString(chunk)
	text := s.buf.String()

	idx := strings.LastIndexByte(text, '\n')
	if idx < 0 {
		return nil
	}

	complete, rest := text[:idx], text[idx+1:]
	s.buf.Reset()
	s.buf.WriteString(rest)

	return nonBlank(strings.Split(complete, "\n"))
}

// Flush returns the remaining fragment as a single-element batch, or nil when
// the remainder is empty or whitespace only.
func (s *Splitter) Flush() []string {
	rest := strings.TrimSuffix(s.buf.String(), "\r")
	s.buf.Reset()

	if strings.TrimSpace(rest) == "" {
		return nil
	}
	return []string{rest}
}

// Encode wraps a single line as an SSE data frame.
func Encode(line string) []byte {
	frame := make([]byte, 0, len(line)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, line...)
	frame = append(frame, '\n', '\n')
	return frame
}

func nonBlank(lines []string) []string {
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}

	if len(out) == 0 {
		return nil
	}
	return out
}
