package durable

import "time"

const (
	DefaultMaxLength         = 1000
	DefaultTTL               = 24 * time.Hour
	DefaultInactivityTimeout = 60 * time.Second
	DefaultBlockTimeout      = 5 * time.Second
	DefaultReadBatchSize     = 100
	DefaultScanBatchSize     = 100
	DefaultMaxRetries        = 5
	DefaultRetryBackoff      = 100 * time.Millisecond
)

// Options tunes a Store. Zero fields take their defaults.
type Options struct {
	// MaxLength approximately caps records kept per stream, oldest evicted.
	MaxLength int64

	// TTL is set on the whole stream once a producer body ends.
	TTL time.Duration

	// InactivityTimeout closes a consumer stream after this long without data.
	InactivityTimeout time.Duration

	// BlockTimeout bounds each blocking read against the log.
	BlockTimeout time.Duration

	ReadBatchSize int
	ScanBatchSize int

	// MaxRetries is how many consecutive read failures a consumer stream
	// survives. Attempt n waits n * RetryBackoff.
	MaxRetries   int
	RetryBackoff time.Duration

	// ReadBufferSize is the body read size during ingestion.
	ReadBufferSize int
}

func (o Options) withDefaults() Options {
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = DefaultInactivityTimeout
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = DefaultBlockTimeout
	}
	if o.ReadBatchSize <= 0 {
		o.ReadBatchSize = DefaultReadBatchSize
	}
	if o.ScanBatchSize <= 0 {
		o.ScanBatchSize = DefaultScanBatchSize
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 32 * 1024
	}
	return o
}
