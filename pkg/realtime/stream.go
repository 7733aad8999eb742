package realtime

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// StreamBody is a response body fed by a producing goroutine through a pipe.
// Closing it cancels the producing goroutine's context.
type StreamBody struct {
	*io.PipeReader
	cancel context.CancelFunc
	once   sync.Once
}

// Close cancels the stream and closes the read side of the pipe.
func (b *StreamBody) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.PipeReader.Close()
	})
	return err
}

// NewStreamResponse starts fn in a goroutine with a context derived from ctx
// and returns an SSE response reading everything fn writes. The body ends when
// fn returns; a non-nil error from fn is delivered to the reader.
func NewStreamResponse(ctx context.Context, fn func(ctx context.Context, w io.Writer) error) *Response {
	streamCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	go func() {
		defer cancel()
		err := fn(streamCtx, pw)
		_ = pw.CloseWithError(err)
	}()

	return &Response{
		StatusCode: http.StatusOK,
		Header:     SSEHeaders(),
		Body:       &StreamBody{PipeReader: pr, cancel: cancel},
	}
}
