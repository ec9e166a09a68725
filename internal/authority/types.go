// Package authority implements the coordination authority: it assigns
// replica ranks, tracks heartbeats and derives the coordinator.
package authority

import (
	"errors"
	"fmt"
	"time"

	"replichat/internal/logging"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidName is returned when a request names no server
	ErrInvalidName = errors.New("server name is required")
)

// DefaultHeartbeatTimeout is how long a record may go without a heartbeat
// before it is evicted.
const DefaultHeartbeatTimeout = 15 * time.Second

// ServerRecord is one registered replica.
type ServerRecord struct {
	Name     string
	Rank     int
	LastSeen time.Time
}

// Config holds the authority configuration
type Config struct {
	// HeartbeatTimeout evicts records whose last heartbeat is older than this
	HeartbeatTimeout time.Duration

	// Now is the wall clock used for liveness. Defaults to time.Now.
	Now func() time.Time

	// Logger for debugging
	Logger logging.Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		Now:              time.Now,
		Logger:           logging.Nop(),
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if cfg.HeartbeatTimeout <= 0 {
		return fmt.Errorf("%w: HeartbeatTimeout must be positive", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return nil
}
