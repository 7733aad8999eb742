package servecmder

import (
	"context"
	"fmt"
	"time"

	"github.com/papercomputeco/spool/pkg/backends"
	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/dotdir"
	"github.com/papercomputeco/spool/pkg/durable"
	"github.com/papercomputeco/spool/pkg/eventstream"
	"github.com/papercomputeco/spool/pkg/eventstream/kafka"
	"github.com/papercomputeco/spool/pkg/eventstream/nop"
	"github.com/papercomputeco/spool/pkg/relay"
	"github.com/papercomputeco/spool/pkg/s2"
	"github.com/papercomputeco/spool/pkg/streamlog"
	"github.com/papercomputeco/spool/pkg/streamlog/inmemory"
	"github.com/papercomputeco/spool/pkg/streamlog/postgres"
	"github.com/papercomputeco/spool/pkg/streamlog/redis"
	"github.com/papercomputeco/spool/pkg/streamlog/sqlite"
)

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func durableOptions(cfg config.DurableConfig) durable.Options {
	return durable.Options{
		MaxLength:         cfg.MaxLength,
		TTL:               seconds(cfg.TTLSeconds),
		InactivityTimeout: millis(cfg.InactivityTimeoutMs),
		BlockTimeout:      millis(cfg.BlockTimeoutMs),
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      millis(cfg.RetryBackoffMs),
	}
}

func relayOptions(cfg config.RelayConfig) relay.Options {
	return relay.Options{
		BufferTTL:        millis(cfg.BufferTTLMs),
		SweepInterval:    millis(cfg.SweepIntervalMs),
		WaitTimeout:      millis(cfg.WaitTimeoutMs),
		PollInterval:     millis(cfg.PollIntervalMs),
		MaxBufferedBytes: cfg.MaxBufferedBytes,
	}
}

// s2Config leaves Client nil when no access token is configured, which the
// selector reports as a configuration error on v2 requests.
func s2Config(cfg config.S2Config) (backends.S2Config, error) {
	out := backends.S2Config{
		BasinTemplate: cfg.BasinTemplate,
		TokenTTL:      seconds(cfg.TokenTTLSeconds),
		WaitSeconds:   cfg.WaitSeconds,
	}
	if cfg.AccessToken == "" {
		return out, nil
	}

	client, err := s2.NewClient(s2.ClientConfig{
		AccountEndpoint: cfg.AccountEndpoint,
		BasinEndpoint:   cfg.BasinEndpoint,
		AccessToken:     cfg.AccessToken,
	})
	if err != nil {
		return out, err
	}
	out.Client = client
	return out, nil
}

// newStreamLog opens the durable log for the configured driver.
func newStreamLog(ctx context.Context, cfg config.StorageConfig, configDir string) (streamlog.Log, error) {
	switch cfg.Driver {
	case config.StorageMemory, "":
		return inmemory.NewLog(), nil

	case config.StorageRedis:
		log, err := redis.NewLog(ctx, redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return log, nil

	case config.StorageSQLite:
		path := cfg.SQLitePath
		if path == "" {
			var err error
			path, err = dotdir.NewManager().Path(configDir, config.DefaultSQLiteFile())
			if err != nil {
				return nil, err
			}
		}
		log, err := sqlite.NewLog(ctx, path)
		if err != nil {
			return nil, err
		}
		return log, nil

	case config.StoragePostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("storage.postgres_dsn is required for the %s driver", config.StoragePostgres)
		}
		log, err := postgres.NewLog(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return log, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// newPublisher creates the lifecycle event publisher.
func newPublisher(cfg config.EventStreamConfig) (eventstream.Publisher, error) {
	switch cfg.Provider {
	case "", "nop":
		return nop.NewPublisher(), nil
	case "kafka":
		pub, err := kafka.NewPublisher(kafka.Config{
			Brokers: cfg.Brokers,
			Topic:   cfg.Topic,
		})
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported eventstream provider %q", cfg.Provider)
	}
}
