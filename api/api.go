// Package api serves spool's HTTP surface: producers post stream output to it
// and consumers follow the same streams as Server-Sent-Events.
package api

import (
	"context"
	"net/http/pprof"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/worker"
)

// streamPath addresses one stream of one run under a protocol version.
const streamPath = "/realtime/:version/streams/:runId/:streamId"

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on, e.g. ":8081".
	ListenAddr string

	// Profiling mounts the net/http/pprof handlers under /debug/pprof.
	Profiling bool
}

// Selector resolves the backend serving an environment and protocol version.
type Selector interface {
	Select(env string, version realtime.Version) (realtime.Backend, error)
}

// EventQueue accepts lifecycle events for asynchronous publishing.
type EventQueue interface {
	Enqueue(job worker.Job) bool
}

// Server is the HTTP front of the stream backends.
type Server struct {
	config   Config
	selector Selector
	events   EventQueue
	logger   *zap.Logger
	app      *fiber.App

	// ctx outlives individual handlers: response streams keep running after
	// the handler returns and stop when the server shuts down.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new API server. events may be nil, in which case no
// lifecycle events are emitted.
func NewServer(config Config, selector Selector, events EventQueue, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		// Producer bodies are consumed while they are still being sent.
		StreamRequestBody: true,
		// Route params and headers are used by stream goroutines after the
		// handler returns, so fiber must not hand out pooled buffers.
		Immutable: true,
	})

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		selector: selector,
		events:   events,
		logger:   logger,
		app:      app,
		ctx:      ctx,
		cancel:   cancel,
	}

	app.Get("/ping", s.handlePing)

	// HEAD is registered before GET, which also answers HEAD in fiber.
	app.Head(streamPath, s.handleLastChunkIndex)
	app.Get(streamPath, s.handleStream)
	app.Post(streamPath, s.handleIngest)
	app.Put(streamPath, s.handleIngest)
	app.Post(streamPath+"/init", s.handleInit)

	if config.Profiling {
		app.Get("/debug/pprof/cmdline", adaptor.HTTPHandlerFunc(pprof.Cmdline))
		app.Get("/debug/pprof/profile", adaptor.HTTPHandlerFunc(pprof.Profile))
		app.Get("/debug/pprof/symbol", adaptor.HTTPHandlerFunc(pprof.Symbol))
		app.Get("/debug/pprof/trace", adaptor.HTTPHandlerFunc(pprof.Trace))
		app.Get("/debug/pprof/*", adaptor.HTTPHandlerFunc(pprof.Index))
	}

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
		zap.Bool("profiling", s.config.Profiling),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown ends every open response stream and gracefully shuts down the
// API server.
func (s *Server) Shutdown() error {
	s.cancel()
	return s.app.Shutdown()
}
