package framer

import (
	"errors"
	"io"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("framer: write on closed writer")

// Writer splits everything written to it into lines and writes one SSE frame
// per line to the destination. Close flushes the trailing fragment but does
// not close the destination.
type Writer struct {
	dst      io.Writer
	splitter Splitter
	closed   bool
}

// NewWriter returns a Writer emitting frames to dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// Write implements io.Writer. The returned count is len(p) when every frame
// produced by p was written.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}

	if err := w.emit(w.splitter.Transform(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteString is Write for strings.
func (w *Writer) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Close flushes the buffered remainder as a final frame.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	return w.emit(w.splitter.Flush())
}

func (w *Writer) emit(lines []string) error {
	for _, line := range lines {
		if _, err := w.dst.Write(Encode(line)); err != nil {
			return err
		}
	}
	return nil
}
