// Package replica runs a chat server's coordination: rank acquisition,
// heartbeats, the coordinator cache and gossip replication.
package replica

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replichat/internal/clock"
	"replichat/internal/logging"
	"replichat/internal/protocol"
	"replichat/internal/state"
	"replichat/internal/transport"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoRank is returned by Start when the authority refuses or fails the
	// initial rank request. A node without a rank cannot participate.
	ErrNoRank = errors.New("failed to obtain rank")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("node already started")
)

// Status is the node lifecycle state.
type Status int

const (
	// StatusStarting means the node is acquiring its rank
	StatusStarting Status = iota
	// StatusActive means the node serves requests, heartbeats and gossips
	StatusActive
	// StatusStopped means the background jobs have exited
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "Starting"
	case StatusActive:
		return "Active"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Authority is the subset of the authority protocol a replica uses.
// authority.Client implements it.
type Authority interface {
	Rank(ctx context.Context, name string) (int, error)
	Heartbeat(ctx context.Context, name string) (*protocol.HeartbeatResponse, error)
	List(ctx context.Context) (*protocol.ListResponse, error)
	Clock(ctx context.Context) (*protocol.ClockResponse, error)
}

// Config holds the replica node configuration
type Config struct {
	// Name is the unique server name registered with the authority
	Name string

	// HeartbeatInterval is how often a heartbeat is sent to the authority
	HeartbeatInterval time.Duration

	// RosterRefreshEvery refreshes the roster every N heartbeats
	RosterRefreshEvery int

	// SyncEvery runs the coordinator synchronization every K handled requests
	SyncEvery uint64

	// Logger for debugging
	Logger logging.Logger
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:  5 * time.Second,
		RosterRefreshEvery: 3,
		SyncEvery:          10,
		Logger:             logging.Nop(),
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive", ErrInvalidConfig)
	}
	if cfg.RosterRefreshEvery <= 0 {
		return fmt.Errorf("%w: RosterRefreshEvery must be positive", ErrInvalidConfig)
	}
	if cfg.SyncEvery == 0 {
		return fmt.Errorf("%w: SyncEvery must be positive", ErrInvalidConfig)
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return nil
}

// Deps are the collaborators a node is wired to. Subscriber must deliver
// the servers and replica topics.
type Deps struct {
	Clock      *clock.Clock
	Authority  Authority
	State      *state.SharedState
	Publisher  transport.Publisher
	Subscriber transport.Subscriber
}

func validateDeps(d Deps) error {
	switch {
	case d.Clock == nil:
		return fmt.Errorf("%w: Clock is required", ErrInvalidConfig)
	case d.Authority == nil:
		return fmt.Errorf("%w: Authority is required", ErrInvalidConfig)
	case d.State == nil:
		return fmt.Errorf("%w: State is required", ErrInvalidConfig)
	case d.Publisher == nil:
		return fmt.Errorf("%w: Publisher is required", ErrInvalidConfig)
	case d.Subscriber == nil:
		return fmt.Errorf("%w: Subscriber is required", ErrInvalidConfig)
	}
	return nil
}
