package durable_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing/iotest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/spool/pkg/durable"
	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/streamlog"
	"github.com/papercomputeco/spool/pkg/streamlog/inmemory"
)

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

// brokenLog fails every read.
type brokenLog struct {
	streamlog.Log
	reads int
}

func (l *brokenLog) Read(context.Context, string, uint64, int, time.Duration) ([]streamlog.Entry, error) {
	l.reads++
	return nil, errors.New("connection reset")
}

// flakyLog fails the reads whose 1-based call numbers are listed and records
// when every read was made.
type flakyLog struct {
	streamlog.Log
	fail  map[int]bool
	calls []time.Time
}

func (l *flakyLog) Read(ctx context.Context, key string, after uint64, count int, block time.Duration) ([]streamlog.Entry, error) {
	l.calls = append(l.calls, time.Now())
	if l.fail[len(l.calls)] {
		return nil, errors.New("connection reset")
	}
	return l.Log.Read(ctx, key, after, count, block)
}

var _ = Describe("Store", func() {
	var (
		log   *inmemory.Log
		store *durable.Store
		ctx   context.Context
		key   realtime.Key
	)

	BeforeEach(func() {
		log = inmemory.NewLog()
		store = durable.New(log, durable.Options{
			InactivityTimeout: 100 * time.Millisecond,
			BlockTimeout:      50 * time.Millisecond,
			ScanBatchSize:     2,
		}, nil)
		ctx = context.Background()
		key = realtime.Key{RunID: "run_1", StreamID: "logs"}
	})

	ingest := func(clientID string, resume *int64, chunks ...string) *realtime.Response {
		resp, err := store.IngestData(ctx, &chunkReader{chunks: chunks}, realtime.IngestRequest{
			Key:             key,
			ClientID:        clientID,
			ResumeFromChunk: resume,
		})
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	readAll := func(req *http.Request) string {
		resp, err := store.StreamResponse(ctx, req, key)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(resp.Header.Get("Content-Type")).To(Equal("text/event-stream"))
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(body)
	}

	Describe("IngestData", func() {
		It("returns 200 once the body is stored", func() {
			resp := ingest("c1", nil, "hello\n")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("stores one record per read with increasing chunk indexes", func() {
			ingest("c1", nil, "a", "b", "c")

			entries, err := log.Read(ctx, "stream:run_1:logs", 0, 10, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(3))
			for i, e := range entries {
				rec := streamlog.Normalize(e)
				Expect(rec.ChunkIndex).To(Equal(int64(i)))
				Expect(rec.ClientID).To(Equal("c1"))
			}
		})

		It("numbers chunks from the resume point", func() {
			resume := int64(7)
			ingest("c1", &resume, "a", "b")

			idx, err := store.LastChunkIndex(ctx, key, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(idx).To(Equal(int64(8)))
		})

		It("keeps multi-byte characters whole across reads", func() {
			resp, err := store.IngestData(ctx, iotest.OneByteReader(strings.NewReader("héllo\n")), realtime.IngestRequest{
				Key:      key,
				ClientID: "c1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			Expect(readAll(httptest.NewRequest(http.MethodGet, "/", nil))).To(Equal("data: héllo\n\n"))
		})

		It("returns 500 when the producer disconnects", func() {
			body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(io.ErrUnexpectedEOF))
			resp, err := store.IngestData(ctx, body, realtime.IngestRequest{Key: key, ClientID: "c1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
		})

		It("rejects an incomplete key", func() {
			_, err := store.IngestData(ctx, strings.NewReader("x"), realtime.IngestRequest{
				Key: realtime.Key{RunID: "run_1"},
			})
			Expect(err).To(MatchError(realtime.ErrInvalidKey))
		})

		It("sets a ttl on the stream", func() {
			short := durable.New(log, durable.Options{TTL: 50 * time.Millisecond}, nil)
			_, err := short.IngestData(ctx, strings.NewReader("x"), realtime.IngestRequest{Key: key, ClientID: "c1"})
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int64 {
				idx, err := short.LastChunkIndex(ctx, key, "c1")
				Expect(err).NotTo(HaveOccurred())
				return idx
			}, time.Second, 10*time.Millisecond).Should(Equal(int64(-1)))
		})
	})

	Describe("LastChunkIndex", func() {
		It("returns -1 for an unknown client", func() {
			idx, err := store.LastChunkIndex(ctx, key, "nobody")
			Expect(err).NotTo(HaveOccurred())
			Expect(idx).To(Equal(int64(-1)))
		})

		It("finds each client's newest chunk among interleaved writes", func() {
			ingest("c1", nil, "a", "b", "c")
			ingest("c2", nil, "x")
			ingest("c3", nil, "1", "2", "3", "4", "5")

			for client, want := range map[string]int64{"c1": 2, "c2": 0, "c3": 4, "c4": -1} {
				idx, err := store.LastChunkIndex(ctx, key, client)
				Expect(err).NotTo(HaveOccurred())
				Expect(idx).To(Equal(want), client)
			}
		})
	})

	Describe("StreamResponse", func() {
		It("replays every chunk in order as line frames", func() {
			ingest("c1", nil, "ab", "c\nde", "f\n", "last")

			Expect(readAll(httptest.NewRequest(http.MethodGet, "/", nil))).To(Equal(
				"data: abc\n\ndata: def\n\ndata: last\n\n",
			))
		})

		It("delivers a single client's lines with no gaps or duplicates", func() {
			chunks := make([]string, 50)
			var want strings.Builder
			for i := range chunks {
				chunks[i] = strings.Repeat("x", i%3) + "line\n"
				want.WriteString("data: " + strings.Repeat("x", i%3) + "line\n\n")
			}
			ingest("c1", nil, chunks...)

			Expect(readAll(httptest.NewRequest(http.MethodGet, "/", nil))).To(Equal(want.String()))
		})

		It("resumes after the last event id", func() {
			ingest("c1", nil, "one\n", "two\n", "three\n")

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(realtime.LastEventIDHeader, "1")
			Expect(readAll(req)).To(Equal("data: two\n\ndata: three\n\n"))
		})

		It("resumes at an explicit token", func() {
			ingest("c1", nil, "one\n", "two\n", "three\n")

			req := httptest.NewRequest(http.MethodGet, "/?resumeAt=3", nil)
			Expect(readAll(req)).To(Equal("data: three\n\n"))
		})

		It("closes after the inactivity timeout", func() {
			start := time.Now()
			Expect(readAll(httptest.NewRequest(http.MethodGet, "/", nil))).To(BeEmpty())
			elapsed := time.Since(start)
			Expect(elapsed).To(BeNumerically(">=", 100*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 300*time.Millisecond))
		})

		It("delivers chunks appended while following", func() {
			resp, err := store.StreamResponse(ctx, httptest.NewRequest(http.MethodGet, "/", nil), key)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			go func() {
				defer GinkgoRecover()
				time.Sleep(30 * time.Millisecond)
				ingest("c1", nil, "live\n")
			}()

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("data: live\n\n"))
		})

		It("stops when the consumer cancels", func() {
			slow := durable.New(log, durable.Options{InactivityTimeout: time.Hour}, nil)
			cctx, cancel := context.WithCancel(ctx)

			resp, err := slow.StreamResponse(cctx, httptest.NewRequest(http.MethodGet, "/", nil), key)
			Expect(err).NotTo(HaveOccurred())

			done := make(chan struct{})
			go func() {
				defer close(done)
				_, _ = io.ReadAll(resp.Body)
			}()

			time.Sleep(20 * time.Millisecond)
			cancel()
			Eventually(done, time.Second).Should(BeClosed())
		})

		It("recovers from transient read failures without gaps or duplicates", func() {
			ingest("c1", nil, "one\n", "two\n", "three\n")

			backoff := 20 * time.Millisecond
			flaky := &flakyLog{Log: log, fail: map[int]bool{1: true, 2: true, 4: true, 5: true}}
			recovering := durable.New(flaky, durable.Options{
				InactivityTimeout: 200 * time.Millisecond,
				BlockTimeout:      50 * time.Millisecond,
				ReadBatchSize:     1,
				MaxRetries:        2,
				RetryBackoff:      backoff,
			}, nil)

			resp, err := recovering.StreamResponse(ctx, httptest.NewRequest(http.MethodGet, "/", nil), key)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(Equal("data: one\n\ndata: two\n\ndata: three\n\n"))

			// Two failures in a row twice over only passes if the count resets.
			Expect(len(flaky.calls)).To(BeNumerically(">=", 7))
			Expect(flaky.calls[1].Sub(flaky.calls[0])).To(BeNumerically(">=", backoff))
			Expect(flaky.calls[2].Sub(flaky.calls[1])).To(BeNumerically(">=", 2*backoff))
			Expect(flaky.calls[4].Sub(flaky.calls[3])).To(BeNumerically(">=", backoff))
			Expect(flaky.calls[5].Sub(flaky.calls[4])).To(BeNumerically(">=", 2*backoff))
		})

		It("fails the body after exhausting retries", func() {
			broken := &brokenLog{Log: log}
			failing := durable.New(broken, durable.Options{
				MaxRetries:   2,
				RetryBackoff: time.Millisecond,
			}, nil)

			resp, err := failing.StreamResponse(ctx, httptest.NewRequest(http.MethodGet, "/", nil), key)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			_, err = io.ReadAll(resp.Body)
			var transportErr *realtime.TransportError
			Expect(errors.As(err, &transportErr)).To(BeTrue())
			Expect(broken.reads).To(Equal(3))
		})
	})
})
