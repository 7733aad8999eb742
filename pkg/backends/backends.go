// Package backends picks the stream backend that serves a request.
package backends

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/relay"
	"github.com/papercomputeco/spool/pkg/s2"
)

// Kind is a backend family.
type Kind int

const (
	// KindDurable is the durable log, optionally behind the relay.
	KindDurable Kind = iota

	// KindS2 is the S2 sequenced log service.
	KindS2
)

func (k Kind) String() string {
	switch k {
	case KindDurable:
		return "durable"
	case KindS2:
		return "s2"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindFor maps a protocol version to the backend family serving it.
func KindFor(v realtime.Version) (Kind, error) {
	switch v {
	case realtime.V1, "":
		return KindDurable, nil
	case realtime.V2:
		return KindS2, nil
	default:
		return 0, fmt.Errorf("unsupported stream version %q", v)
	}
}

// EnvironmentPlaceholder is replaced by the environment in S2 basin templates.
const EnvironmentPlaceholder = "{environment}"

// S2Config configures per-environment S2 stores.
type S2Config struct {
	// Client is nil when S2 is not configured.
	Client *s2.Client

	// BasinTemplate names the basin, e.g. "spool-{environment}".
	BasinTemplate string

	TokenTTL    time.Duration
	WaitSeconds int
	Ops         []string
}

// Config configures a Selector.
type Config struct {
	Durable realtime.Backend

	// RelayEnabled puts the in-process relay in front of Durable.
	RelayEnabled bool
	Relay        relay.Options

	S2 S2Config

	Logger *zap.Logger
}

// Selector resolves (environment, version) to a backend.
type Selector struct {
	v1     realtime.Backend
	relay  *relay.Relay
	s2cfg  S2Config
	logger *zap.Logger

	mu       sync.Mutex
	s2Stores map[string]*s2.Store
}

// NewSelector builds the v1 chain up front; S2 stores are created per
// environment on first use.
func NewSelector(cfg Config) *Selector {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Selector{
		v1:       cfg.Durable,
		s2cfg:    cfg.S2,
		logger:   logger,
		s2Stores: make(map[string]*s2.Store),
	}

	if cfg.RelayEnabled && cfg.Durable != nil {
		s.relay = relay.New(cfg.Durable, cfg.Relay, logger.Named("relay"))
		s.v1 = s.relay
	}
	return s
}

// Start runs background work of the selected backends.
func (s *Selector) Start() {
	if s.relay != nil {
		s.relay.Start()
	}
}

// Close stops background work.
func (s *Selector) Close() error {
	if s.relay != nil {
		return s.relay.Close()
	}
	return nil
}

// Select returns the backend for env and version.
func (s *Selector) Select(env string, version realtime.Version) (realtime.Backend, error) {
	kind, err := KindFor(version)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindDurable:
		if s.v1 == nil {
			return nil, &realtime.ConfigurationError{Backend: kind.String(), Reason: "no durable store configured"}
		}
		return s.v1, nil
	case KindS2:
		return s.s2Store(env)
	default:
		return nil, fmt.Errorf("unknown backend kind %s", kind)
	}
}

func (s *Selector) s2Store(env string) (*s2.Store, error) {
	if s.s2cfg.Client == nil {
		return nil, &realtime.ConfigurationError{Backend: KindS2.String(), Reason: "access token is not set"}
	}
	if s.s2cfg.BasinTemplate == "" {
		return nil, &realtime.ConfigurationError{Backend: KindS2.String(), Reason: "basin template is not set"}
	}

	basin := BasinFor(s.s2cfg.BasinTemplate, env)

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.s2Stores[basin]; ok {
		return st, nil
	}

	st := s2.NewStore(s.s2cfg.Client, s2.StoreConfig{
		Basin:       basin,
		TokenTTL:    s.s2cfg.TokenTTL,
		WaitSeconds: s.s2cfg.WaitSeconds,
		Ops:         s.s2cfg.Ops,
	}, s.logger.Named("s2").With(zap.String("basin", basin)))
	s.s2Stores[basin] = st
	return st, nil
}

// BasinFor substitutes env into template. An empty env becomes "default".
func BasinFor(template, env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = "default"
	}
	return strings.ReplaceAll(template, EnvironmentPlaceholder, env)
}
