// Package relay is the in-process hot path in front of a durable backend.
//
// While a producer is ingesting, its bytes are teed into a local buffer and
// into the fallback backend. The first reader of a stream is served straight
// from that buffer; every other reader, and any reader arriving after the
// buffer is gone, is served by the fallback.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/framer"
	"github.com/papercomputeco/spool/pkg/realtime"
)

const copyBufferSize = 32 * 1024

// buffer is the local copy of one stream being ingested.
type buffer struct {
	queue        *byteQueue
	createdAt    time.Time
	lastAccessed time.Time

	// locked is set by the first reader to attach, or when the buffer can no
	// longer serve a complete stream.
	locked bool
}

// Relay is a realtime.Backend wrapping a fallback backend.
type Relay struct {
	fallback realtime.Backend
	opts     Options
	logger   *zap.Logger

	// mu guards buffers and every buffer's lastAccessed and locked fields
	mu      sync.Mutex
	buffers map[realtime.Key]*buffer

	now func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

var _ realtime.Backend = (*Relay)(nil)

// New creates a Relay in front of fallback. Call Start to run the sweep.
func New(fallback realtime.Backend, opts Options, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		fallback: fallback,
		opts:     opts.withDefaults(),
		logger:   logger,
		buffers:  make(map[realtime.Key]*buffer),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the periodic sweep until Close.
func (r *Relay) Start() {
	r.startOnce.Do(func() {
		go r.sweepLoop()
	})
}

// Close stops the sweep and ends every attached reader.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		// done is never closed by a sweep loop that was not started
		r.startOnce.Do(func() { close(r.done) })
		<-r.done

		r.mu.Lock()
		defer r.mu.Unlock()
		for key, b := range r.buffers {
			b.queue.Close()
			delete(r.buffers, key)
		}
	})
	return nil
}

func (r *Relay) sweepLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep deletes buffers not touched within BufferTTL, locked or not.
func (r *Relay) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.opts.BufferTTL)
	removed := 0
	for key, b := range r.buffers {
		if b.lastAccessed.After(cutoff) {
			continue
		}
		b.queue.Close()
		delete(r.buffers, key)
		removed++
	}

	if removed > 0 {
		r.logger.Debug("swept relay buffers",
			zap.Int("removed", removed),
			zap.Int("remaining", len(r.buffers)),
		)
	}
	return removed
}

// claim returns a fresh buffer for key, or nil when one already exists. An
// existing buffer is refreshed and locked: it holds an earlier session's
// bytes, so later readers must go to the fallback.
func (r *Relay) claim(key realtime.Key) *buffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if b, ok := r.buffers[key]; ok {
		b.lastAccessed = now
		b.locked = true
		return nil
	}

	b := &buffer{
		queue:        newByteQueue(r.opts.MaxBufferedBytes),
		createdAt:    now,
		lastAccessed: now,
	}
	r.buffers[key] = b
	return b
}

func (r *Relay) touch(b *buffer) {
	r.mu.Lock()
	b.lastAccessed = r.now()
	r.mu.Unlock()
}

func (r *Relay) lock(b *buffer) {
	r.mu.Lock()
	b.locked = true
	r.mu.Unlock()
}

// IngestData tees body into a local buffer and the fallback. The result is
// always the fallback's; local buffering problems are only logged.
func (r *Relay) IngestData(ctx context.Context, body io.Reader, req realtime.IngestRequest) (*realtime.Response, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}

	logger := r.logger.With(
		zap.String("run_id", req.Key.RunID),
		zap.String("stream_id", req.Key.StreamID),
		zap.String("client_id", req.ClientID),
	)

	local := r.claim(req.Key)
	if local == nil {
		logger.Debug("relay buffer already exists, forwarding to fallback only")
	}

	pr, pw := io.Pipe()
	var drained atomic.Bool
	teeDone := make(chan struct{})
	go func() {
		defer close(teeDone)
		r.tee(body, pw, local, &drained, logger)
	}()

	resp, err := r.fallback.IngestData(ctx, pr, req)

	// The fallback may return before consuming everything. The tee must not
	// touch body once this returns, so unblock a pending read and wait.
	_ = pr.CloseWithError(errFallbackDone)
	if !drained.Load() {
		if c, ok := body.(io.Closer); ok {
			_ = c.Close()
		}
	}
	<-teeDone

	if local != nil && (err != nil || resp.StatusCode >= http.StatusMultipleChoices) {
		r.lock(local)
	}
	return resp, err
}

var errFallbackDone = errors.New("fallback ingestion finished")

// tee copies body into pw and then, while it accepts writes, the local
// buffer. A chunk reaches the buffer only after the fallback consumed it.
func (r *Relay) tee(body io.Reader, pw *io.PipeWriter, local *buffer, drained *atomic.Bool, logger *zap.Logger) {
	localOK := local != nil
	if localOK {
		defer local.queue.Close()
	}

	chunk := make([]byte, copyBufferSize)
	for {
		n, readErr := body.Read(chunk)
		if n > 0 {
			if _, err := pw.Write(chunk[:n]); err != nil {
				logger.Debug("fallback stopped consuming producer body", zap.Error(err))
				return
			}

			if localOK {
				if _, err := local.queue.Write(chunk[:n]); err != nil {
					localOK = false
					if errors.Is(err, ErrOverflow) {
						r.lock(local)
					}
					logger.Warn("relay buffering stopped", zap.Error(err))
				} else {
					r.touch(local)
				}
			}
		}

		if readErr != nil {
			drained.Store(true)
			if errors.Is(readErr, io.EOF) {
				readErr = nil
			}
			_ = pw.CloseWithError(readErr)
			return
		}
	}
}

// LastChunkIndex is answered by the fallback.
func (r *Relay) LastChunkIndex(ctx context.Context, key realtime.Key, clientID string) (int64, error) {
	return r.fallback.LastChunkIndex(ctx, key, clientID)
}

// StreamResponse attaches the reader to the local buffer when it is the first
// one, waiting briefly for a producer to appear. Readers carrying a resumption
// token always use the fallback.
func (r *Relay) StreamResponse(ctx context.Context, req *http.Request, key realtime.Key) (*realtime.Response, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	if _, ok := realtime.ResumeTokenFrom(req); ok {
		return r.fallback.StreamResponse(ctx, req, key)
	}

	b, err := r.attach(ctx, key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return r.fallback.StreamResponse(ctx, req, key)
	}

	logger := r.logger.With(
		zap.String("run_id", key.RunID),
		zap.String("stream_id", key.StreamID),
	)
	logger.Debug("serving reader from relay buffer")

	return realtime.NewStreamResponse(ctx, func(ctx context.Context, w io.Writer) error {
		sent := &frameCounter{w: w}
		fw := framer.NewWriter(sent)
		for {
			data, err := b.queue.Next(ctx)
			if errors.Is(err, io.EOF) {
				return fw.Close()
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, ErrOverflow) {
				logger.Warn("relay buffer overflowed, continuing from fallback", zap.Int("frames_sent", sent.frames))
				return r.continueFromFallback(ctx, req, key, sent.frames, w)
			}
			if err != nil {
				logger.Warn("relay reader aborted", zap.Error(err))
				return err
			}
			if _, err := fw.Write(data); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return nil
				}
				return err
			}
		}
	}), nil
}

// continueFromFallback streams the fallback's copy of key to w, dropping the
// first skip frames the reader already got from the buffer.
func (r *Relay) continueFromFallback(ctx context.Context, req *http.Request, key realtime.Key, skip int, w io.Writer) error {
	resp, err := r.fallback.StreamResponse(ctx, req, key)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fallback stream: unexpected status %d", resp.StatusCode)
	}

	_, err = io.Copy(w, &frameSkipper{r: resp.Body, skip: skip})
	if errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// attach waits up to WaitTimeout for a buffer and locks it. It returns nil
// when no unlocked buffer became available.
func (r *Relay) attach(ctx context.Context, key realtime.Key) (*buffer, error) {
	deadline := time.NewTimer(r.opts.WaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		r.mu.Lock()
		b, ok := r.buffers[key]
		if ok {
			if b.locked {
				r.mu.Unlock()
				return nil, nil
			}
			b.locked = true
			b.lastAccessed = r.now()
			r.mu.Unlock()
			return b, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-ticker.C:
		}
	}
}
