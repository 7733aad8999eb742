package config

const (
	defaultListen = ":8081"

	defaultStorageDriver = StorageMemory
	defaultSQLiteFile    = "spool.db"

	defaultDurableMaxLength           = 1000
	defaultDurableTTLSeconds          = 24 * 60 * 60
	defaultDurableInactivityTimeoutMs = 60_000
	defaultDurableBlockTimeoutMs      = 5_000
	defaultDurableMaxRetries          = 5
	defaultDurableRetryBackoffMs      = 100

	defaultRelayBufferTTLMs      = 60_000
	defaultRelaySweepIntervalMs  = 10_000
	defaultRelayWaitTimeoutMs    = 1_000
	defaultRelayPollIntervalMs   = 25
	defaultRelayMaxBufferedBytes = 8 << 20

	defaultS2AccountEndpoint = "https://aws.s2.dev"
	defaultS2BasinEndpoint   = "https://{basin}.b.aws.s2.dev"
	defaultS2TokenTTLSeconds = 24 * 60 * 60
	defaultS2WaitSeconds     = 60

	defaultEventStreamProvider = "nop"
	defaultEventStreamTopic    = "spool.stream.events"

	defaultClientAPITarget = "http://localhost:8081"
)

// Storage driver names.
const (
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// StorageDrivers returns the supported durable log drivers.
func StorageDrivers() []string {
	return []string{StorageMemory, StorageRedis, StorageSQLite, StoragePostgres}
}

// IsValidStorageDriver reports whether name is a supported driver.
func IsValidStorageDriver(name string) bool {
	for _, d := range StorageDrivers() {
		if d == name {
			return true
		}
	}
	return false
}

// DefaultSQLiteFile is the database file created in the .spool/ directory
// when the sqlite driver is chosen without a path.
func DefaultSQLiteFile() string {
	return defaultSQLiteFile
}

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Server: ServerConfig{
			Listen: defaultListen,
		},
		Storage: StorageConfig{
			Driver: defaultStorageDriver,
		},
		Durable: DurableConfig{
			MaxLength:           defaultDurableMaxLength,
			TTLSeconds:          defaultDurableTTLSeconds,
			InactivityTimeoutMs: defaultDurableInactivityTimeoutMs,
			BlockTimeoutMs:      defaultDurableBlockTimeoutMs,
			MaxRetries:          defaultDurableMaxRetries,
			RetryBackoffMs:      defaultDurableRetryBackoffMs,
		},
		Relay: RelayConfig{
			Enabled:          true,
			BufferTTLMs:      defaultRelayBufferTTLMs,
			SweepIntervalMs:  defaultRelaySweepIntervalMs,
			WaitTimeoutMs:    defaultRelayWaitTimeoutMs,
			PollIntervalMs:   defaultRelayPollIntervalMs,
			MaxBufferedBytes: defaultRelayMaxBufferedBytes,
		},
		S2: S2Config{
			AccountEndpoint: defaultS2AccountEndpoint,
			BasinEndpoint:   defaultS2BasinEndpoint,
			TokenTTLSeconds: defaultS2TokenTTLSeconds,
			WaitSeconds:     defaultS2WaitSeconds,
		},
		EventStream: EventStreamConfig{
			Provider: defaultEventStreamProvider,
			Topic:    defaultEventStreamTopic,
		},
		Client: ClientConfig{
			APITarget: defaultClientAPITarget,
		},
	}
}
