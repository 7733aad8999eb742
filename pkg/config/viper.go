package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/papercomputeco/spool/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the SPOOL_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (SPOOL_SERVER_LISTEN, SPOOL_S2_ACCESS_TOKEN, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: SPOOL_STORAGE_DRIVER, SPOOL_RELAY_ENABLED, etc.
	v.SetEnvPrefix("SPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Server
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.log_json", d.Server.LogJSON)
	v.SetDefault("server.profiling", d.Server.Profiling)

	// Storage
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.redis_addr", d.Storage.RedisAddr)
	v.SetDefault("storage.redis_password", d.Storage.RedisPassword)
	v.SetDefault("storage.redis_db", d.Storage.RedisDB)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	// Durable
	v.SetDefault("durable.max_length", d.Durable.MaxLength)
	v.SetDefault("durable.ttl_seconds", d.Durable.TTLSeconds)
	v.SetDefault("durable.inactivity_timeout_ms", d.Durable.InactivityTimeoutMs)
	v.SetDefault("durable.block_timeout_ms", d.Durable.BlockTimeoutMs)
	v.SetDefault("durable.max_retries", d.Durable.MaxRetries)
	v.SetDefault("durable.retry_backoff_ms", d.Durable.RetryBackoffMs)

	// Relay
	v.SetDefault("relay.enabled", d.Relay.Enabled)
	v.SetDefault("relay.buffer_ttl_ms", d.Relay.BufferTTLMs)
	v.SetDefault("relay.sweep_interval_ms", d.Relay.SweepIntervalMs)
	v.SetDefault("relay.wait_timeout_ms", d.Relay.WaitTimeoutMs)
	v.SetDefault("relay.poll_interval_ms", d.Relay.PollIntervalMs)
	v.SetDefault("relay.max_buffered_bytes", d.Relay.MaxBufferedBytes)

	// S2
	v.SetDefault("s2.account_endpoint", d.S2.AccountEndpoint)
	v.SetDefault("s2.basin_endpoint", d.S2.BasinEndpoint)
	v.SetDefault("s2.access_token", d.S2.AccessToken)
	v.SetDefault("s2.basin_template", d.S2.BasinTemplate)
	v.SetDefault("s2.token_ttl_seconds", d.S2.TokenTTLSeconds)
	v.SetDefault("s2.wait_seconds", d.S2.WaitSeconds)

	// Event stream
	v.SetDefault("eventstream.provider", d.EventStream.Provider)
	v.SetDefault("eventstream.brokers", d.EventStream.Brokers)
	v.SetDefault("eventstream.topic", d.EventStream.Topic)

	// Client
	v.SetDefault("client.api_target", d.Client.APITarget)
}

// FromViper builds a Config from the resolved values in v, so flags and
// SPOOL_ environment variables are applied on top of the config file.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Version: v.GetInt("version"),
		Server: ServerConfig{
			Listen:    v.GetString("server.listen"),
			LogJSON:   v.GetBool("server.log_json"),
			Profiling: v.GetBool("server.profiling"),
		},
		Storage: StorageConfig{
			Driver:        strings.ToLower(v.GetString("storage.driver")),
			RedisAddr:     v.GetString("storage.redis_addr"),
			RedisPassword: v.GetString("storage.redis_password"),
			RedisDB:       v.GetInt("storage.redis_db"),
			SQLitePath:    v.GetString("storage.sqlite_path"),
			PostgresDSN:   v.GetString("storage.postgres_dsn"),
		},
		Durable: DurableConfig{
			MaxLength:           v.GetInt64("durable.max_length"),
			TTLSeconds:          v.GetInt("durable.ttl_seconds"),
			InactivityTimeoutMs: v.GetInt("durable.inactivity_timeout_ms"),
			BlockTimeoutMs:      v.GetInt("durable.block_timeout_ms"),
			MaxRetries:          v.GetInt("durable.max_retries"),
			RetryBackoffMs:      v.GetInt("durable.retry_backoff_ms"),
		},
		Relay: RelayConfig{
			Enabled:          v.GetBool("relay.enabled"),
			BufferTTLMs:      v.GetInt("relay.buffer_ttl_ms"),
			SweepIntervalMs:  v.GetInt("relay.sweep_interval_ms"),
			WaitTimeoutMs:    v.GetInt("relay.wait_timeout_ms"),
			PollIntervalMs:   v.GetInt("relay.poll_interval_ms"),
			MaxBufferedBytes: v.GetInt("relay.max_buffered_bytes"),
		},
		S2: S2Config{
			AccountEndpoint: v.GetString("s2.account_endpoint"),
			BasinEndpoint:   v.GetString("s2.basin_endpoint"),
			AccessToken:     v.GetString("s2.access_token"),
			BasinTemplate:   v.GetString("s2.basin_template"),
			TokenTTLSeconds: v.GetInt("s2.token_ttl_seconds"),
			WaitSeconds:     v.GetInt("s2.wait_seconds"),
		},
		EventStream: EventStreamConfig{
			Provider: strings.ToLower(v.GetString("eventstream.provider")),
			Brokers:  brokerList(v.GetStringSlice("eventstream.brokers")),
			Topic:    v.GetString("eventstream.topic"),
		},
		Client: ClientConfig{
			APITarget: v.GetString("client.api_target"),
		},
	}
}

// brokerList accepts brokers given as a TOML array or as a comma separated
// SPOOL_EVENTSTREAM_BROKERS value.
func brokerList(items []string) []string {
	var out []string
	for _, item := range items {
		out = append(out, SplitList(item)...)
	}
	return out
}
