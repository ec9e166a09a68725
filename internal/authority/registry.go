package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"replichat/internal/logging"
)

// RankStore durably records rank assignments so a restarted authority never
// hands out a rank twice.
type RankStore interface {
	HighestRank(ctx context.Context) (int, error)
	RecordAssignment(ctx context.Context, name string, rank int, at time.Time) error
}

// Registry owns the server roster. The coordinator is derived from it and
// recomputed on every request: the alive record with the smallest rank.
type Registry struct {
	mu          sync.Mutex
	records     map[string]*ServerRecord
	nextRank    int
	coordinator string

	timeout time.Duration
	now     func() time.Time
	store   RankStore
	logger  logging.Logger
}

// NewRegistry creates a registry. When store is non-nil, rank assignment
// resumes after the highest rank it holds.
func NewRegistry(ctx context.Context, cfg *Config, store RankStore) (*Registry, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	r := &Registry{
		records:  make(map[string]*ServerRecord),
		nextRank: 1,
		timeout:  cfg.HeartbeatTimeout,
		now:      cfg.Now,
		store:    store,
		logger:   cfg.Logger,
	}

	if store != nil {
		highest, err := store.HighestRank(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read rank ledger: %w", err)
		}
		r.nextRank = highest + 1
	}
	return r, nil
}

// Rank registers name on first contact and returns its rank. For a known
// name only the liveness timestamp is refreshed.
func (r *Registry) Rank(ctx context.Context, name string) (int, error) {
	if name == "" {
		return 0, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()
	if rec, ok := r.records[name]; ok {
		rec.LastSeen = r.now()
		return rec.Rank, nil
	}
	return r.registerLocked(ctx, name)
}

// Heartbeat refreshes name, registering it if unknown, and returns the
// coordinator after purging stale records.
func (r *Registry) Heartbeat(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[name]; ok {
		rec.LastSeen = r.now()
	} else {
		r.purgeLocked()
		if _, err := r.registerLocked(ctx, name); err != nil {
			return "", err
		}
	}

	r.purgeLocked()
	r.pickCoordinatorLocked()
	return r.coordinator, nil
}

// List returns the alive roster in ascending rank order and the coordinator.
func (r *Registry) List() ([]ServerRecord, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()
	r.pickCoordinatorLocked()

	roster := make([]ServerRecord, 0, len(r.records))
	for _, rec := range r.records {
		roster = append(roster, *rec)
	}
	slices.SortFunc(roster, func(a, b ServerRecord) int {
		return a.Rank - b.Rank
	})
	return roster, r.coordinator
}

// Election answers with requested when it names an alive record. The
// override applies to this answer only and is not stored.
func (r *Registry) Election(requested string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()
	r.pickCoordinatorLocked()

	if requested != "" {
		if _, ok := r.records[requested]; ok {
			return requested
		}
	}
	return r.coordinator
}

// Coordinator purges, recomputes and returns the coordinator, or "" when no
// record is alive.
func (r *Registry) Coordinator() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.purgeLocked()
	r.pickCoordinatorLocked()
	return r.coordinator
}

func (r *Registry) registerLocked(ctx context.Context, name string) (int, error) {
	rank := r.nextRank
	now := r.now()

	if r.store != nil {
		if err := r.store.RecordAssignment(ctx, name, rank, now); err != nil {
			return 0, fmt.Errorf("failed to record rank %d for %s: %w", rank, name, err)
		}
	}

	r.nextRank++
	r.records[name] = &ServerRecord{Name: name, Rank: rank, LastSeen: now}
	r.pickCoordinatorLocked()

	r.logger.Infof("[AUTHORITY] Registered %s with rank %d (coordinator=%s)", name, rank, r.coordinator)
	return rank, nil
}

// purgeLocked evicts records whose last heartbeat is older than the timeout.
// Evicting the coordinator clears it.
func (r *Registry) purgeLocked() {
	now := r.now()
	for name, rec := range r.records {
		if now.Sub(rec.LastSeen) <= r.timeout {
			continue
		}
		delete(r.records, name)
		r.logger.Warnf("[AUTHORITY] Evicted %s (rank %d), silent for %s", name, rec.Rank, now.Sub(rec.LastSeen).Round(time.Millisecond))
		if name == r.coordinator {
			r.coordinator = ""
		}
	}
}

func (r *Registry) pickCoordinatorLocked() {
	best := ""
	bestRank := 0
	for name, rec := range r.records {
		if best == "" || rec.Rank < bestRank {
			best, bestRank = name, rec.Rank
		}
	}
	if best != r.coordinator {
		r.logger.Infof("[AUTHORITY] Coordinator changed: %q -> %q", r.coordinator, best)
	}
	r.coordinator = best
}
