package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/papercomputeco/spool/pkg/backends"
	"github.com/papercomputeco/spool/pkg/durable"
	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/s2"
	"github.com/papercomputeco/spool/pkg/streamlog/inmemory"
	"github.com/papercomputeco/spool/pkg/worker"
)

// recordingQueue keeps every enqueued job.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []worker.Job
}

func (q *recordingQueue) Enqueue(job worker.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

func (q *recordingQueue) events() []*eventstream.StreamEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*eventstream.StreamEvent, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.Event)
	}
	return out
}

// staticSelector returns a fixed backend or error.
type staticSelector struct {
	backend realtime.Backend
	err     error
	envs    []string
}

func (s *staticSelector) Select(env string, _ realtime.Version) (realtime.Backend, error) {
	s.envs = append(s.envs, env)
	return s.backend, s.err
}

// echoBackend captures the request handed to StreamResponse.
type echoBackend struct {
	req *http.Request
	key realtime.Key

	streamErr error
}

func (b *echoBackend) IngestData(context.Context, io.Reader, realtime.IngestRequest) (*realtime.Response, error) {
	return realtime.TextResponse(http.StatusOK, "OK"), nil
}

func (b *echoBackend) LastChunkIndex(context.Context, realtime.Key, string) (int64, error) {
	return 12, nil
}

func (b *echoBackend) StreamResponse(_ context.Context, req *http.Request, key realtime.Key) (*realtime.Response, error) {
	b.req = req
	b.key = key
	if b.streamErr != nil {
		return nil, b.streamErr
	}
	return &realtime.Response{
		StatusCode: http.StatusOK,
		Header:     realtime.SSEHeaders(),
		Body:       io.NopCloser(strings.NewReader("data: echo\n\n")),
	}, nil
}

func readBody(resp *http.Response) string {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}

var _ = Describe("Server", func() {
	var (
		server *Server
		queue  *recordingQueue
	)

	AfterEach(func() {
		if server != nil {
			_ = server.Shutdown()
		}
	})

	Describe("with the durable backend", func() {
		BeforeEach(func() {
			store := durable.New(inmemory.NewLog(), durable.Options{
				InactivityTimeout: 100 * time.Millisecond,
				BlockTimeout:      50 * time.Millisecond,
			}, zap.NewNop())
			selector := backends.NewSelector(backends.Config{Durable: store})
			queue = &recordingQueue{}
			server = NewServer(Config{ListenAddr: ":0"}, selector, queue, zap.NewNop())
		})

		It("answers ping", func() {
			resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/ping", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal(`"pong"`))
		})

		It("ingests a body and serves it back as SSE frames", func() {
			req := httptest.NewRequest(http.MethodPost, "/realtime/v1/streams/run_1/logs", strings.NewReader("hello\nworld\n"))
			req.Header.Set(HeaderClientID, "worker-a")
			resp, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(readBody(resp)).To(Equal("OK"))

			resp, err = server.app.Test(httptest.NewRequest(http.MethodGet, "/realtime/v1/streams/run_1/logs", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-cache"))
			Expect(resp.Header.Get("Connection")).To(Equal("keep-alive"))
			Expect(readBody(resp)).To(Equal("data: hello\n\ndata: world\n\n"))
		})

		It("accepts PUT for ingestion", func() {
			req := httptest.NewRequest(http.MethodPut, "/realtime/v1/streams/run_1/logs", strings.NewReader("x\n"))
			resp, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("reports the last chunk index per client", func() {
			req := httptest.NewRequest(http.MethodPost, "/realtime/v1/streams/run_1/logs", strings.NewReader("chunk\n"))
			req.Header.Set(HeaderClientID, "worker-a")
			req.Header.Set(HeaderResumeFromChunk, "7")
			_, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())

			head := httptest.NewRequest(http.MethodHead, "/realtime/v1/streams/run_1/logs", nil)
			head.Header.Set(HeaderClientID, "worker-a")
			resp, err := server.app.Test(head, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get(HeaderLastChunkIndex)).To(Equal("7"))

			head = httptest.NewRequest(http.MethodHead, "/realtime/v1/streams/run_1/logs", nil)
			head.Header.Set(HeaderClientID, "worker-b")
			resp, err = server.app.Test(head, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Header.Get(HeaderLastChunkIndex)).To(Equal("-1"))
		})

		It("emits an ingested event with the default client id", func() {
			req := httptest.NewRequest(http.MethodPost, "/realtime/v1/streams/run_9/out", strings.NewReader("line\n"))
			req.Header.Set(HeaderEnvironment, "staging")
			_, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())

			events := queue.events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].EventType).To(Equal(eventstream.EventTypeStreamIngested))
			Expect(events[0].RunID).To(Equal("run_9"))
			Expect(events[0].StreamID).To(Equal("out"))
			Expect(events[0].ClientID).To(Equal("default"))
			Expect(events[0].Environment).To(Equal("staging"))
			Expect(events[0].Version).To(Equal("v1"))
			Expect(events[0].Request.HTTPStatus).To(Equal(http.StatusOK))
		})

		It("rejects an unknown protocol version", func() {
			resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/realtime/v9/streams/run_1/logs", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			var body ErrorResponse
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Error).To(ContainSubstring("unsupported stream version"))
		})

		It("rejects a malformed resume chunk", func() {
			req := httptest.NewRequest(http.MethodPost, "/realtime/v1/streams/run_1/logs", strings.NewReader("x\n"))
			req.Header.Set(HeaderResumeFromChunk, "seven")
			resp, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(queue.events()).To(BeEmpty())
		})

		It("refuses direct-write init for durable streams", func() {
			resp, err := server.app.Test(httptest.NewRequest(http.MethodPost, "/realtime/v1/streams/run_1/logs/init", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotImplemented))
		})
	})

	Describe("with a stub backend", func() {
		var (
			backend  *echoBackend
			selector *staticSelector
		)

		BeforeEach(func() {
			backend = &echoBackend{}
			selector = &staticSelector{backend: backend}
			server = NewServer(Config{}, selector, nil, zap.NewNop())
		})

		It("passes the resumption token through to the responder", func() {
			req := httptest.NewRequest(http.MethodGet, "/realtime/v1/streams/run_1/logs?resumeAt=5", nil)
			req.Header.Set(realtime.LastEventIDHeader, "3")
			resp, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(readBody(resp)).To(Equal("data: echo\n\n"))

			Expect(backend.key).To(Equal(realtime.Key{RunID: "run_1", StreamID: "logs"}))
			Expect(backend.req.Header.Get(realtime.LastEventIDHeader)).To(Equal("3"))

			token, ok := realtime.ResumeTokenFrom(backend.req)
			Expect(ok).To(BeTrue())
			Expect(token).To(Equal(realtime.ResumeToken(5)))
		})

		It("defaults the environment", func() {
			_, err := server.app.Test(httptest.NewRequest(http.MethodHead, "/realtime/v1/streams/run_1/logs", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(selector.envs).To(Equal([]string{"default"}))
		})

		It("answers an abandoned read quietly", func() {
			core, logs := observer.New(zapcore.DebugLevel)
			_ = server.Shutdown()
			server = NewServer(Config{}, selector, nil, zap.New(core))
			backend.streamErr = fmt.Errorf("waiting for relay buffer: %w", context.Canceled)

			resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/realtime/v1/streams/run_1/logs", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

			Expect(logs.FilterLevelExact(zapcore.ErrorLevel).Len()).To(BeZero())
			Expect(logs.FilterMessage("stream request abandoned").Len()).To(Equal(1))
		})

		It("maps configuration errors to 500", func() {
			selector.err = &realtime.ConfigurationError{Backend: "s2", Reason: "access token is not set"}

			resp, err := server.app.Test(httptest.NewRequest(http.MethodGet, "/realtime/v2/streams/run_1/logs", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))

			var body ErrorResponse
			Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
			Expect(body.Error).To(ContainSubstring("access token is not set"))
		})
	})

	Describe("with the s2 backend", func() {
		var upstream *httptest.Server

		BeforeEach(func() {
			upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost && r.URL.Path == "/v1/access-tokens":
					w.Header().Set("Content-Type", "application/json")
					_, _ = w.Write([]byte(`{"access_token":"scoped-token"}`))
				case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/records"):
					w.Header().Set("Content-Type", "text/event-stream")
					_, _ = fmt.Fprintf(w, "event: batch\nid: 0,1,5\ndata: {\"seq\":%q}\n\n", r.URL.Query().Get("seq_num"))
				default:
					http.NotFound(w, r)
				}
			}))

			client, err := s2.NewClient(s2.ClientConfig{
				AccountEndpoint: upstream.URL,
				BasinEndpoint:   upstream.URL + "/{basin}",
				AccessToken:     "account-token",
			})
			Expect(err).NotTo(HaveOccurred())

			selector := backends.NewSelector(backends.Config{
				S2: backends.S2Config{
					Client:        client,
					BasinTemplate: "spool-{environment}",
					TokenTTL:      time.Hour,
				},
			})
			queue = &recordingQueue{}
			server = NewServer(Config{}, selector, queue, zap.NewNop())
		})

		AfterEach(func() {
			upstream.Close()
		})

		It("issues direct-write credentials", func() {
			req := httptest.NewRequest(http.MethodPost, "/realtime/v2/streams/run_1/logs/init", nil)
			req.Header.Set(HeaderEnvironment, "Prod")
			resp, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			Expect(resp.Header.Get(HeaderS2AccessToken)).To(Equal("scoped-token"))
			Expect(resp.Header.Get(HeaderS2Basin)).To(Equal("spool-prod"))
			Expect(resp.Header.Get(HeaderS2Stream)).To(Equal("runs/run_1/logs"))
			Expect(resp.Header.Get(HeaderS2Endpoint)).To(Equal(upstream.URL + "/spool-prod"))
			Expect(resp.Header.Get(HeaderS2ExpiresAt)).NotTo(BeEmpty())

			var dw realtime.DirectWrite
			Expect(json.NewDecoder(resp.Body).Decode(&dw)).To(Succeed())
			Expect(dw.AccessToken).To(Equal("scoped-token"))

			events := queue.events()
			Expect(events).To(HaveLen(1))
			Expect(events[0].EventType).To(Equal(eventstream.EventTypeStreamInitialized))
			Expect(events[0].Environment).To(Equal("Prod"))
			Expect(events[0].Version).To(Equal("v2"))
		})

		It("proxies the read session", func() {
			req := httptest.NewRequest(http.MethodGet, "/realtime/v2/streams/run_1/logs", nil)
			req.Header.Set(realtime.LastEventIDHeader, "4,2,10")
			resp, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get(realtime.VersionHeader)).To(Equal("v2"))
			Expect(readBody(resp)).To(ContainSubstring(`{"seq":"5"}`))
		})

		It("refuses server-side ingestion", func() {
			req := httptest.NewRequest(http.MethodPost, "/realtime/v2/streams/run_1/logs", strings.NewReader("x\n"))
			resp, err := server.app.Test(req, -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotImplemented))
			Expect(queue.events()).To(BeEmpty())
		})

		It("refuses last chunk lookups", func() {
			resp, err := server.app.Test(httptest.NewRequest(http.MethodHead, "/realtime/v2/streams/run_1/logs", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotImplemented))
		})
	})
})

var _ = Describe("profiling routes", func() {
	newServer := func(profiling bool) *Server {
		s := NewServer(Config{ListenAddr: ":0", Profiling: profiling}, &staticSelector{backend: &echoBackend{}}, nil, zap.NewNop())
		DeferCleanup(func() { _ = s.Shutdown() })
		return s
	}

	It("serves pprof when enabled", func() {
		resp, err := newServer(true).app.Test(httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil), -1)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("is not mounted by default", func() {
		resp, err := newServer(false).app.Test(httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil), -1)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
	})
})
