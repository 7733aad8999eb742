// Package inmemory provides a process-local streamlog.Log. It is the default
// durable log for single-process deployments and the reference backend in
// tests; data does not survive a restart.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/papercomputeco/spool/pkg/streamlog"
)

const pruneInterval = time.Minute

// waiter is the notify channel shared by readers blocked on one key.
type waiter struct {
	ch      chan struct{}
	readers int
}

type stream struct {
	lastSeq   uint64
	entries   []streamlog.Entry
	expiresAt time.Time
}

// Log implements streamlog.Log using in-memory slices.
type Log struct {
	// mu guards streams, waiters and lastPrune
	mu sync.Mutex

	streams map[string]*stream

	// waiters holds one entry per key with blocked readers. Append closes and
	// removes it; the last reader to give up removes it too.
	waiters map[string]*waiter

	lastPrune time.Time
	now       func() time.Time
}

// NewLog creates an empty in-memory log.
func NewLog() *Log {
	return &Log{
		streams: make(map[string]*stream),
		waiters: make(map[string]*waiter),
		now:     time.Now,
	}
}

// Append stores rec under key and trims the oldest entries beyond maxLen.
func (l *Log) Append(_ context.Context, key string, rec streamlog.Record, maxLen int64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked()

	s := l.liveLocked(key)
	if s == nil {
		s = &stream{}
		l.streams[key] = s
	}

	s.lastSeq++
	s.entries = append(s.entries, streamlog.Entry{Seq: s.lastSeq, Fields: rec.Fields()})

	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := len(s.entries) - int(maxLen)
		s.entries = append([]streamlog.Entry(nil), s.entries[drop:]...)
	}

	if w, ok := l.waiters[key]; ok {
		close(w.ch)
		delete(l.waiters, key)
	}

	return s.lastSeq, nil
}

// Expire sets the deadline after which key is dropped.
func (l *Log) Expire(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s := l.liveLocked(key); s != nil {
		s.expiresAt = l.now().Add(ttl)
	}
	return nil
}

// RevRange returns entries older than before, newest first.
func (l *Log) RevRange(_ context.Context, key string, before uint64, count int) ([]streamlog.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.liveLocked(key)
	if s == nil || count <= 0 {
		return nil, nil
	}

	out := make([]streamlog.Entry, 0, count)
	for i := len(s.entries) - 1; i >= 0 && len(out) < count; i-- {
		e := s.entries[i]
		if before != 0 && e.Seq >= before {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Read returns entries newer than after, waiting up to block for one to arrive.
func (l *Log) Read(ctx context.Context, key string, after uint64, count int, block time.Duration) ([]streamlog.Entry, error) {
	var timeout <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		l.mu.Lock()
		entries := l.afterLocked(key, after, count)
		if len(entries) > 0 || block <= 0 {
			l.mu.Unlock()
			return entries, nil
		}

		w, ok := l.waiters[key]
		if !ok {
			w = &waiter{ch: make(chan struct{})}
			l.waiters[key] = w
		}
		w.readers++
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			l.leave(key, w)
			return nil, ctx.Err()
		case <-timeout:
			l.leave(key, w)
			return nil, nil
		case <-w.ch:
		}
	}
}

// leave drops a reader from w, removing w once nobody waits on it.
func (l *Log) leave(key string, w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w.readers--
	if w.readers == 0 && l.waiters[key] == w {
		delete(l.waiters, key)
	}
}

// Close drops all data.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.streams = make(map[string]*stream)
	return nil
}

func (l *Log) afterLocked(key string, after uint64, count int) []streamlog.Entry {
	s := l.liveLocked(key)
	if s == nil {
		return nil
	}

	var out []streamlog.Entry
	for _, e := range s.entries {
		if e.Seq <= after {
			continue
		}
		out = append(out, e)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out
}

// liveLocked returns the stream for key, deleting it first if it expired.
func (l *Log) liveLocked(key string) *stream {
	s, ok := l.streams[key]
	if !ok {
		return nil
	}
	if !s.expiresAt.IsZero() && !l.now().Before(s.expiresAt) {
		delete(l.streams, key)
		return nil
	}
	return s
}

func (l *Log) pruneLocked() {
	now := l.now()
	if now.Sub(l.lastPrune) < pruneInterval {
		return
	}
	l.lastPrune = now

	for key, s := range l.streams {
		if !s.expiresAt.IsZero() && !now.Before(s.expiresAt) {
			delete(l.streams, key)
		}
	}
}
