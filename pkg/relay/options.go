package relay

import "time"

const (
	DefaultBufferTTL        = 60 * time.Second
	DefaultSweepInterval    = 10 * time.Second
	DefaultWaitTimeout      = time.Second
	DefaultPollInterval     = 25 * time.Millisecond
	DefaultMaxBufferedBytes = 8 << 20
)

// Options tunes a Relay. Zero fields take their defaults.
type Options struct {
	// BufferTTL is how long a buffer lives after it was last written or attached.
	BufferTTL time.Duration

	SweepInterval time.Duration

	// WaitTimeout is how long a reader waits for a producer to show up before
	// falling back.
	WaitTimeout  time.Duration
	PollInterval time.Duration

	// MaxBufferedBytes caps unread bytes per buffer.
	MaxBufferedBytes int
}

func (o Options) withDefaults() Options {
	if o.BufferTTL <= 0 {
		o.BufferTTL = DefaultBufferTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxBufferedBytes <= 0 {
		o.MaxBufferedBytes = DefaultMaxBufferedBytes
	}
	return o
}
