// Package durable implements the resumable stream backend on top of a
// streamlog.Log. Producer chunks are appended as-is and consumers replay the
// log from a resumption token, framing the data into SSE events.
package durable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/framer"
	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/streamlog"
)

// Store is a realtime.Backend persisting chunks in a streamlog.Log.
type Store struct {
	log    streamlog.Log
	opts   Options
	logger *zap.Logger
}

var _ realtime.Backend = (*Store)(nil)

// New creates a Store over log.
func New(log streamlog.Log, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		log:    log,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// logKey is the storage key for a stream.
func logKey(key realtime.Key) string {
	return "stream:" + key.RunID + ":" + key.StreamID
}

// IngestData appends every read from body as one record. The first record gets
// ResumeFromChunk when set, else 0; each following record increments it.
func (s *Store) IngestData(ctx context.Context, body io.Reader, req realtime.IngestRequest) (*realtime.Response, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}

	logger := s.logger.With(
		zap.String("run_id", req.Key.RunID),
		zap.String("stream_id", req.Key.StreamID),
		zap.String("client_id", req.ClientID),
	)

	key := logKey(req.Key)
	chunkIndex := int64(0)
	if req.ResumeFromChunk != nil {
		chunkIndex = *req.ResumeFromChunk
	}

	buf := make([]byte, s.opts.ReadBufferSize)
	// pending holds a trailing partial UTF-8 sequence across reads
	var pending []byte
	appended := 0

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			pending = nil
			if readErr == nil {
				data, pending = splitIncompleteRune(data)
			}

			if len(data) > 0 {
				rec := streamlog.Record{ClientID: req.ClientID, ChunkIndex: chunkIndex, Data: string(data)}
				if _, err := s.log.Append(ctx, key, rec, s.opts.MaxLength); err != nil {
					logger.Error("failed to append chunk",
						zap.Int64("chunk_index", chunkIndex),
						zap.Error(err),
					)
					return realtime.TextResponse(http.StatusInternalServerError, "Internal server error"), nil
				}
				chunkIndex++
				appended++
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			logger.Error("producer body read failed",
				zap.Int("chunks_appended", appended),
				zap.Error(readErr),
			)
			return realtime.TextResponse(http.StatusInternalServerError, "Internal server error"), nil
		}
	}

	if len(pending) > 0 {
		rec := streamlog.Record{ClientID: req.ClientID, ChunkIndex: chunkIndex, Data: string(pending)}
		if _, err := s.log.Append(ctx, key, rec, s.opts.MaxLength); err != nil {
			logger.Error("failed to append chunk", zap.Int64("chunk_index", chunkIndex), zap.Error(err))
			return realtime.TextResponse(http.StatusInternalServerError, "Internal server error"), nil
		}
		appended++
	}

	// Expiry is best effort: the data is already stored.
	if err := s.log.Expire(context.WithoutCancel(ctx), key, s.opts.TTL); err != nil {
		logger.Warn("failed to set stream ttl", zap.Error(err))
	}

	logger.Debug("ingested stream body", zap.Int("chunks", appended))
	return realtime.TextResponse(http.StatusOK, "OK"), nil
}

// splitIncompleteRune moves a trailing partial UTF-8 sequence out of b.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		start := len(b) - i
		if !utf8.RuneStart(b[start]) {
			continue
		}
		if !utf8.FullRune(b[start:]) {
			return b[:start], append([]byte(nil), b[start:]...)
		}
		break
	}
	return b, nil
}

// LastChunkIndex pages backwards from the newest record until one written by
// clientID is found.
func (s *Store) LastChunkIndex(ctx context.Context, key realtime.Key, clientID string) (int64, error) {
	if err := key.Validate(); err != nil {
		return -1, err
	}

	lk := logKey(key)
	before := uint64(0)
	for {
		entries, err := s.log.RevRange(ctx, lk, before, s.opts.ScanBatchSize)
		if err != nil {
			s.logger.Error("failed to scan stream",
				zap.String("run_id", key.RunID),
				zap.String("stream_id", key.StreamID),
				zap.String("client_id", clientID),
				zap.Error(err),
			)
			return -1, &realtime.TransportError{Op: "scan", Err: err}
		}
		if len(entries) == 0 {
			return -1, nil
		}

		for _, e := range entries {
			rec := streamlog.Normalize(e)
			if rec.ClientID == clientID {
				return rec.ChunkIndex, nil
			}
		}

		before = entries[len(entries)-1].Seq
		if before <= 1 || len(entries) < s.opts.ScanBatchSize {
			return -1, nil
		}
	}
}

// StreamResponse replays the stream from the request's resumption token and
// follows it until the consumer goes away, the stream is idle for the
// inactivity timeout, or reads keep failing.
func (s *Store) StreamResponse(ctx context.Context, req *http.Request, key realtime.Key) (*realtime.Response, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	after := uint64(0)
	if token, ok := realtime.ResumeTokenFrom(req); ok && token > 0 {
		after = uint64(token) - 1
	}

	logger := s.logger.With(
		zap.String("run_id", key.RunID),
		zap.String("stream_id", key.StreamID),
	)

	return realtime.NewStreamResponse(ctx, func(ctx context.Context, w io.Writer) error {
		fw := framer.NewWriter(w)
		err := s.follow(ctx, logKey(key), after, fw, logger)
		if errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) {
			logger.Debug("consumer stream closed")
			return nil
		}
		if err != nil {
			return err
		}
		return fw.Close()
	}), nil
}

func (s *Store) follow(ctx context.Context, key string, after uint64, fw *framer.Writer, logger *zap.Logger) error {
	lastData := time.Now()
	failures := 0

	for {
		idle := time.Since(lastData)
		if idle >= s.opts.InactivityTimeout {
			logger.Debug("closing idle stream", zap.Duration("idle", idle))
			return nil
		}
		block := min(s.opts.BlockTimeout, s.opts.InactivityTimeout-idle)

		entries, err := s.log.Read(ctx, key, after, s.opts.ReadBatchSize, block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			failures++
			if failures > s.opts.MaxRetries {
				logger.Error("giving up on stream after repeated read failures",
					zap.Int("attempts", failures),
					zap.Error(err),
				)
				return &realtime.TransportError{Op: "read", Err: fmt.Errorf("after %d attempts: %w", failures, err)}
			}

			logger.Warn("stream read failed, retrying",
				zap.Int("attempt", failures),
				zap.Error(err),
			)
			if err := sleep(ctx, time.Duration(failures)*s.opts.RetryBackoff); err != nil {
				return err
			}
			continue
		}
		failures = 0

		if len(entries) == 0 {
			continue
		}

		for _, e := range entries {
			rec := streamlog.Normalize(e)
			if _, err := fw.WriteString(rec.Data); err != nil {
				return err
			}
			after = e.Seq
		}
		lastData = time.Now()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
