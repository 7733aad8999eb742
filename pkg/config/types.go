package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent spool configuration stored as config.toml
// in the .spool/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Durable     DurableConfig     `toml:"durable"`
	Relay       RelayConfig       `toml:"relay"`
	S2          S2Config          `toml:"s2"`
	EventStream EventStreamConfig `toml:"eventstream"`
	Client      ClientConfig      `toml:"client"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Listen  string `toml:"listen,omitempty"`
	LogJSON bool   `toml:"log_json"`

	// Profiling mounts net/http/pprof under /debug/pprof.
	Profiling bool `toml:"profiling"`
}

// StorageConfig selects and configures the durable log backend.
type StorageConfig struct {
	// Driver is one of memory, redis, sqlite, postgres.
	Driver        string `toml:"driver,omitempty"`
	RedisAddr     string `toml:"redis_addr,omitempty"`
	RedisPassword string `toml:"redis_password,omitempty"`
	RedisDB       int    `toml:"redis_db"`
	SQLitePath    string `toml:"sqlite_path,omitempty"`
	PostgresDSN   string `toml:"postgres_dsn,omitempty"`
}

// DurableConfig tunes the durable stream store.
type DurableConfig struct {
	MaxLength           int64 `toml:"max_length,omitempty"`
	TTLSeconds          int   `toml:"ttl_seconds,omitempty"`
	InactivityTimeoutMs int   `toml:"inactivity_timeout_ms,omitempty"`
	BlockTimeoutMs      int   `toml:"block_timeout_ms,omitempty"`
	MaxRetries          int   `toml:"max_retries,omitempty"`
	RetryBackoffMs      int   `toml:"retry_backoff_ms,omitempty"`
}

// RelayConfig tunes the in-process relay.
type RelayConfig struct {
	Enabled          bool `toml:"enabled"`
	BufferTTLMs      int  `toml:"buffer_ttl_ms,omitempty"`
	SweepIntervalMs  int  `toml:"sweep_interval_ms,omitempty"`
	WaitTimeoutMs    int  `toml:"wait_timeout_ms,omitempty"`
	PollIntervalMs   int  `toml:"poll_interval_ms,omitempty"`
	MaxBufferedBytes int  `toml:"max_buffered_bytes,omitempty"`
}

// S2Config configures the S2 backend served for v2 streams.
type S2Config struct {
	AccountEndpoint string `toml:"account_endpoint,omitempty"`
	BasinEndpoint   string `toml:"basin_endpoint,omitempty"`
	AccessToken     string `toml:"access_token,omitempty"`
	BasinTemplate   string `toml:"basin_template,omitempty"`
	TokenTTLSeconds int    `toml:"token_ttl_seconds,omitempty"`
	WaitSeconds     int    `toml:"wait_seconds,omitempty"`
}

// EventStreamConfig configures lifecycle event publishing.
type EventStreamConfig struct {
	// Provider is nop or kafka.
	Provider string   `toml:"provider,omitempty"`
	Brokers  []string `toml:"brokers,omitempty"`
	Topic    string   `toml:"topic,omitempty"`
}

// ClientConfig holds settings for CLI commands that connect to a running
// server (e.g. spool tail). Values are full URLs (scheme + host + port).
type ClientConfig struct {
	APITarget string `toml:"api_target,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringKey(field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func intKey(name string, field func(c *Config) *int) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.Itoa(*field(c))
		},
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			if n < 0 {
				return fmt.Errorf("invalid value for %s: must not be negative", name)
			}
			*field(c) = n
			return nil
		},
	}
}

func boolKey(name string, field func(c *Config) *bool) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = b
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"server.listen":    stringKey(func(c *Config) *string { return &c.Server.Listen }),
	"server.log_json":  boolKey("server.log_json", func(c *Config) *bool { return &c.Server.LogJSON }),
	"server.profiling": boolKey("server.profiling", func(c *Config) *bool { return &c.Server.Profiling }),

	"storage.driver": {
		get: func(c *Config) string { return c.Storage.Driver },
		set: func(c *Config, v string) error {
			v = strings.ToLower(v)
			if !IsValidStorageDriver(v) {
				return fmt.Errorf("invalid value for storage.driver: %q (available: %s)", v, strings.Join(StorageDrivers(), ", "))
			}
			c.Storage.Driver = v
			return nil
		},
	},
	"storage.redis_addr":     stringKey(func(c *Config) *string { return &c.Storage.RedisAddr }),
	"storage.redis_password": stringKey(func(c *Config) *string { return &c.Storage.RedisPassword }),
	"storage.redis_db":       intKey("storage.redis_db", func(c *Config) *int { return &c.Storage.RedisDB }),
	"storage.sqlite_path":    stringKey(func(c *Config) *string { return &c.Storage.SQLitePath }),
	"storage.postgres_dsn":   stringKey(func(c *Config) *string { return &c.Storage.PostgresDSN }),

	"durable.max_length": {
		get: func(c *Config) string {
			if c.Durable.MaxLength == 0 {
				return ""
			}
			return strconv.FormatInt(c.Durable.MaxLength, 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid value for durable.max_length: %q", v)
			}
			c.Durable.MaxLength = n
			return nil
		},
	},
	"durable.ttl_seconds":           intKey("durable.ttl_seconds", func(c *Config) *int { return &c.Durable.TTLSeconds }),
	"durable.inactivity_timeout_ms": intKey("durable.inactivity_timeout_ms", func(c *Config) *int { return &c.Durable.InactivityTimeoutMs }),
	"durable.block_timeout_ms":      intKey("durable.block_timeout_ms", func(c *Config) *int { return &c.Durable.BlockTimeoutMs }),
	"durable.max_retries":           intKey("durable.max_retries", func(c *Config) *int { return &c.Durable.MaxRetries }),
	"durable.retry_backoff_ms":      intKey("durable.retry_backoff_ms", func(c *Config) *int { return &c.Durable.RetryBackoffMs }),

	"relay.enabled":            boolKey("relay.enabled", func(c *Config) *bool { return &c.Relay.Enabled }),
	"relay.buffer_ttl_ms":      intKey("relay.buffer_ttl_ms", func(c *Config) *int { return &c.Relay.BufferTTLMs }),
	"relay.sweep_interval_ms":  intKey("relay.sweep_interval_ms", func(c *Config) *int { return &c.Relay.SweepIntervalMs }),
	"relay.wait_timeout_ms":    intKey("relay.wait_timeout_ms", func(c *Config) *int { return &c.Relay.WaitTimeoutMs }),
	"relay.poll_interval_ms":   intKey("relay.poll_interval_ms", func(c *Config) *int { return &c.Relay.PollIntervalMs }),
	"relay.max_buffered_bytes": intKey("relay.max_buffered_bytes", func(c *Config) *int { return &c.Relay.MaxBufferedBytes }),

	"s2.account_endpoint":  stringKey(func(c *Config) *string { return &c.S2.AccountEndpoint }),
	"s2.basin_endpoint":    stringKey(func(c *Config) *string { return &c.S2.BasinEndpoint }),
	"s2.access_token":      stringKey(func(c *Config) *string { return &c.S2.AccessToken }),
	"s2.basin_template":    stringKey(func(c *Config) *string { return &c.S2.BasinTemplate }),
	"s2.token_ttl_seconds": intKey("s2.token_ttl_seconds", func(c *Config) *int { return &c.S2.TokenTTLSeconds }),
	"s2.wait_seconds":      intKey("s2.wait_seconds", func(c *Config) *int { return &c.S2.WaitSeconds }),

	"eventstream.provider": stringKey(func(c *Config) *string { return &c.EventStream.Provider }),
	"eventstream.brokers": {
		get: func(c *Config) string { return strings.Join(c.EventStream.Brokers, ",") },
		set: func(c *Config, v string) error {
			c.EventStream.Brokers = SplitList(v)
			return nil
		},
	},
	"eventstream.topic": stringKey(func(c *Config) *string { return &c.EventStream.Topic }),

	"client.api_target": stringKey(func(c *Config) *string { return &c.Client.APITarget }),
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
