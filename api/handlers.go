package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/worker"
)

const (
	// HeaderClientID names the producer session. Defaults to "default".
	HeaderClientID = "X-Client-Id"

	// HeaderResumeFromChunk is the chunk index a reconnecting producer
	// continues from.
	HeaderResumeFromChunk = "X-Resume-From-Chunk"

	// HeaderEnvironment selects the environment, which picks the S2 basin.
	HeaderEnvironment = "X-Spool-Environment"

	// HeaderLastChunkIndex answers HEAD requests.
	HeaderLastChunkIndex = "X-Last-Chunk-Index"

	HeaderS2Endpoint    = "X-S2-Endpoint"
	HeaderS2Basin       = "X-S2-Basin"
	HeaderS2Stream      = "X-S2-Stream"
	HeaderS2AccessToken = "X-S2-Access-Token"
	HeaderS2ExpiresAt   = "X-S2-Expires-At"

	defaultClientID    = "default"
	defaultEnvironment = "default"
)

var errBadRequest = errors.New("bad request")

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// streamTarget is a resolved stream route.
type streamTarget struct {
	env     string
	version realtime.Version
	key     realtime.Key
	backend realtime.Backend
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleIngest consumes a producer body and answers once it is exhausted.
func (s *Server) handleIngest(c *fiber.Ctx) error {
	started := time.Now()

	t, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}

	req := realtime.IngestRequest{
		Key:      t.key,
		ClientID: c.Get(HeaderClientID, defaultClientID),
	}

	if v := c.Get(HeaderResumeFromChunk); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return s.fail(c, fmt.Errorf("%w: invalid %s %q", errBadRequest, HeaderResumeFromChunk, v))
		}
		req.ResumeFromChunk = &n
	}

	resp, err := t.backend.IngestData(s.ctx, requestBody(c), req)
	if err != nil {
		return s.fail(c, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return s.fail(c, fmt.Errorf("reading ingest response: %w", err))
	}

	s.logger.Debug("ingested stream body",
		zap.String("run_id", t.key.RunID),
		zap.String("stream_id", t.key.StreamID),
		zap.String("client_id", req.ClientID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	s.publish(eventstream.EventTypeStreamIngested, t, req.ClientID, started, resp.StatusCode)

	copyResponseHeaders(c, resp.Header)
	return c.Status(resp.StatusCode).Send(payload)
}

// handleLastChunkIndex reports where a producer left off.
func (s *Server) handleLastChunkIndex(c *fiber.Ctx) error {
	t, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}

	clientID := c.Get(HeaderClientID, defaultClientID)
	idx, err := t.backend.LastChunkIndex(s.ctx, t.key, clientID)
	if err != nil {
		return s.fail(c, err)
	}

	c.Set(HeaderLastChunkIndex, strconv.FormatInt(idx, 10))
	return c.SendStatus(fiber.StatusOK)
}

// handleStream serves a stream as Server-Sent-Events. The response body is
// fed by the backend until the stream ends, the client leaves, or the server
// shuts down.
func (s *Server) handleStream(c *fiber.Ctx) error {
	t, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}

	httpReq, err := s.httpRequest(c)
	if err != nil {
		return s.fail(c, err)
	}

	resp, err := t.backend.StreamResponse(s.ctx, httpReq, t.key)
	if err != nil {
		return s.fail(c, err)
	}

	copyResponseHeaders(c, resp.Header)
	// fasthttp leaves Connection implicit on HTTP/1.1; event streams state it.
	if resp.Header.Get(fiber.HeaderContentType) == "text/event-stream" {
		c.Set(fiber.HeaderConnection, "keep-alive")
	}
	c.Status(resp.StatusCode)

	// fasthttp closes the stream when the response is done or the client
	// goes away, which cancels the backend goroutine feeding it.
	c.Context().Response.SetBodyStream(resp.Body, -1)
	return nil
}

// handleInit hands out direct-write credentials for backends whose producers
// write to an external log.
func (s *Server) handleInit(c *fiber.Ctx) error {
	started := time.Now()

	t, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}

	initializer, ok := t.backend.(realtime.Initializer)
	if !ok {
		return s.fail(c, fmt.Errorf("initialize %s stream: %w", t.version, realtime.ErrUnsupported))
	}

	dw, err := initializer.InitializeStream(s.ctx, t.key)
	if err != nil {
		return s.fail(c, err)
	}

	s.publish(eventstream.EventTypeStreamInitialized, t, "", started, fiber.StatusOK)

	c.Set(HeaderS2Endpoint, dw.Endpoint)
	c.Set(HeaderS2Basin, dw.Namespace)
	c.Set(HeaderS2Stream, dw.Stream)
	c.Set(HeaderS2AccessToken, dw.AccessToken)
	c.Set(HeaderS2ExpiresAt, dw.ExpiresAt.UTC().Format(time.RFC3339))
	return c.JSON(dw)
}

// resolve parses the stream route and picks its backend.
func (s *Server) resolve(c *fiber.Ctx) (*streamTarget, error) {
	version, err := realtime.ParseVersion(c.Params("version"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	key := realtime.Key{RunID: c.Params("runId"), StreamID: c.Params("streamId")}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	env := c.Get(HeaderEnvironment, defaultEnvironment)
	backend, err := s.selector.Select(env, version)
	if err != nil {
		return nil, err
	}

	return &streamTarget{env: env, version: version, key: key, backend: backend}, nil
}

// httpRequest rebuilds the incoming request as a net/http request for
// responders, which read the resumption token from it.
func (s *Server) httpRequest(c *fiber.Ctx) (*http.Request, error) {
	req, err := http.NewRequestWithContext(s.ctx, c.Method(), c.OriginalURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}

	copyRequestHeaders(c, req)
	return req, nil
}

// publish queues a lifecycle event. A full queue drops it; the pool logs that.
func (s *Server) publish(eventType string, t *streamTarget, clientID string, started time.Time, status int) {
	if s.events == nil {
		return
	}

	ev := eventstream.NewStreamEvent(eventType, started, status)
	ev.Environment = t.env
	ev.Version = string(t.version)
	ev.RunID = t.key.RunID
	ev.StreamID = t.key.StreamID
	ev.ClientID = clientID

	s.events.Enqueue(worker.Job{Event: ev})
}

// fail logs err and writes it as a JSON error with the mapped status.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := statusFor(err)

	fields := []zap.Field{
		zap.String("method", c.Method()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Debug("stream request abandoned", fields...)
	case status >= fiber.StatusInternalServerError && status != fiber.StatusNotImplemented:
		s.logger.Error("stream request failed", fields...)
	default:
		s.logger.Debug("stream request rejected", fields...)
	}

	return c.Status(status).JSON(ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, realtime.ErrInvalidKey):
		return fiber.StatusBadRequest
	case errors.Is(err, realtime.ErrUnsupported):
		return fiber.StatusNotImplemented
	case errors.Is(err, context.Canceled):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// requestBody returns the producer body, streamed when fasthttp allows it.
func requestBody(c *fiber.Ctx) io.Reader {
	if r := c.Context().RequestBodyStream(); r != nil {
		return r
	}
	return bytes.NewReader(c.Body())
}
