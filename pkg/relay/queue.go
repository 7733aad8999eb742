package relay

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrOverflow is raised when unread bytes in a buffer exceed the configured cap.
var ErrOverflow = errors.New("relay buffer overflow")

var errQueueClosed = errors.New("relay buffer closed")

// byteQueue is a single-consumer byte FIFO. Writers append; the consumer
// takes everything pending at once.
type byteQueue struct {
	mu     sync.Mutex
	data   []byte
	max    int
	closed bool
	err    error

	// notify is closed and replaced whenever data arrives or the queue closes.
	notify chan struct{}
}

func newByteQueue(max int) *byteQueue {
	return &byteQueue{max: max, notify: make(chan struct{})}
}

func (q *byteQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, errQueueClosed
	}
	if q.max > 0 && len(q.data)+len(p) > q.max {
		q.closeLocked(ErrOverflow)
		return 0, ErrOverflow
	}

	q.data = append(q.data, p...)
	q.wakeLocked()
	return len(p), nil
}

// Close finalizes the queue. Pending bytes remain readable.
func (q *byteQueue) Close() {
	q.CloseWithError(nil)
}

// CloseWithError finalizes the queue. A non-nil err discards pending bytes and
// is returned to the consumer.
func (q *byteQueue) CloseWithError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked(err)
}

func (q *byteQueue) closeLocked(err error) {
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	if err != nil {
		q.data = nil
	}
	q.wakeLocked()
}

func (q *byteQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

// Next blocks until bytes are pending and returns all of them. It returns
// io.EOF once the queue is closed and drained.
func (q *byteQueue) Next(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.data) > 0 {
			out := q.data
			q.data = nil
			q.mu.Unlock()
			return out, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		}
	}
}
