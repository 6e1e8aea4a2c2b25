package transfer

import (
	"time"

	. "github.com/PelionIoT/gridcore/error"
)

const (
	DefaultParallelism    = 4
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	DefaultMaxAttempts    = 5
	DefaultConfirmTimeout = 30 * time.Second
)

type RehashConfig struct {
	ChunkSize int
	// Parallelism bounds the segment pushes in flight at once
	Parallelism    int64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds the sends of one batch to one destination
	MaxAttempts int
	// ConfirmTimeout bounds the wait for other pushers. Segments of a
	// pusher that never confirms stay pending.
	ConfirmTimeout time.Duration
}

func DefaultRehashConfig() RehashConfig {
	return RehashConfig{
		ChunkSize:      DefaultChunkSize,
		Parallelism:    DefaultParallelism,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		MaxAttempts:    DefaultMaxAttempts,
		ConfirmTimeout: DefaultConfirmTimeout,
	}
}

func (config RehashConfig) Validate() error {
	if config.ChunkSize < 1 {
		return NewConfigurationError("chunkSize", "must be at least 1, got %d", config.ChunkSize)
	}

	if config.Parallelism < 1 {
		return NewConfigurationError("parallelism", "must be at least 1, got %d", config.Parallelism)
	}

	if config.MaxAttempts < 1 {
		return NewConfigurationError("maxAttempts", "must be at least 1, got %d", config.MaxAttempts)
	}

	if config.InitialBackoff <= 0 || config.MaxBackoff < config.InitialBackoff {
		return NewConfigurationError("backoff", "need 0 < initialBackoff <= maxBackoff, got %v and %v", config.InitialBackoff, config.MaxBackoff)
	}

	if config.ConfirmTimeout <= 0 {
		return NewConfigurationError("confirmTimeout", "must be positive, got %v", config.ConfirmTimeout)
	}

	return nil
}
