package s2

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/realtime"
)

const (
	DefaultTokenTTL    = 24 * time.Hour
	DefaultWaitSeconds = 60
)

// DefaultOps are the operations a producer token allows.
var DefaultOps = []string{"append", "create-stream", "read", "check-tail"}

// StoreConfig configures a Store for one basin.
type StoreConfig struct {
	Basin       string
	TokenTTL    time.Duration
	WaitSeconds int
	Ops         []string
}

// Store is a realtime.Backend whose producers write to S2 themselves. It only
// issues credentials and proxies reads.
type Store struct {
	client *Client
	cfg    StoreConfig
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ realtime.Backend     = (*Store)(nil)
	_ realtime.Initializer = (*Store)(nil)
)

// NewStore creates a Store for cfg.Basin.
func NewStore(client *Client, cfg StoreConfig, logger *zap.Logger) *Store {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.WaitSeconds <= 0 {
		cfg.WaitSeconds = DefaultWaitSeconds
	}
	if len(cfg.Ops) == 0 {
		cfg.Ops = DefaultOps
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, cfg: cfg, logger: logger, now: time.Now}
}

// StreamName is the S2 stream holding key.
func StreamName(key realtime.Key) string {
	return runPrefix(key.RunID) + key.StreamID
}

func runPrefix(runID string) string {
	return "runs/" + runID + "/"
}

// InitializeStream issues a token scoped to the run's stream prefix in the
// basin and returns where the producer should write.
func (s *Store) InitializeStream(ctx context.Context, key realtime.Key) (*realtime.DirectWrite, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.cfg.TokenTTL).UTC().Truncate(time.Second)
	token, err := s.client.IssueAccessToken(ctx, TokenRequest{
		ID:        uuid.NewString(),
		ExpiresAt: expiresAt,
		Scope: TokenScope{
			Basins:  ResourceSet{Exact: s.cfg.Basin},
			Streams: ResourceSet{Prefix: runPrefix(key.RunID)},
			Ops:     s.cfg.Ops,
		},
	})
	if err != nil {
		s.logger.Error("failed to issue s2 access token",
			zap.String("run_id", key.RunID),
			zap.String("stream_id", key.StreamID),
			zap.String("basin", s.cfg.Basin),
			zap.Error(err),
		)
		return nil, err
	}

	return &realtime.DirectWrite{
		Endpoint:    s.client.BasinURL(s.cfg.Basin),
		Namespace:   s.cfg.Basin,
		Stream:      StreamName(key),
		AccessToken: token,
		ExpiresAt:   expiresAt,
	}, nil
}

// IngestData is not supported: producers write to S2 directly.
func (s *Store) IngestData(context.Context, io.Reader, realtime.IngestRequest) (*realtime.Response, error) {
	return nil, fmt.Errorf("s2 ingest: %w", realtime.ErrUnsupported)
}

// LastChunkIndex is not supported: producers track their own position in S2.
func (s *Store) LastChunkIndex(context.Context, realtime.Key, string) (int64, error) {
	return -1, fmt.Errorf("s2 last chunk index: %w", realtime.ErrUnsupported)
}

// StreamResponse proxies an S2 read session. The upstream body is forwarded
// untouched; S2 already speaks SSE.
func (s *Store) StreamResponse(ctx context.Context, req *http.Request, key realtime.Key) (*realtime.Response, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	seqNum := resumeSeqNum(req)
	resp, err := s.client.ReadSession(ctx, s.cfg.Basin, StreamName(key), seqNum, time.Duration(s.cfg.WaitSeconds)*time.Second)
	if err != nil {
		s.logger.Error("failed to open s2 read session",
			zap.String("run_id", key.RunID),
			zap.String("stream_id", key.StreamID),
			zap.Uint64("seq_num", seqNum),
			zap.Error(err),
		)
		return nil, err
	}

	header := realtime.SSEHeaders()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	header.Set(realtime.VersionHeader, string(realtime.V2))

	return &realtime.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       resp.Body,
	}, nil
}

// resumeSeqNum maps the consumer's resumption token to an S2 sequence number.
// S2 event ids are "seq_num,count,bytes"; only the first part matters.
func resumeSeqNum(req *http.Request) uint64 {
	if req == nil {
		return 0
	}
	explicit := req.URL != nil && req.URL.Query().Get(realtime.ResumeQueryParam) != ""
	if id := req.Header.Get(realtime.LastEventIDHeader); id != "" && !explicit {
		if first, _, ok := strings.Cut(id, ","); ok {
			if n, err := strconv.ParseUint(strings.TrimSpace(first), 10, 64); err == nil {
				return n + 1
			}
		}
	}
	if token, ok := realtime.ResumeTokenFrom(req); ok {
		return uint64(token)
	}
	return 0
}
