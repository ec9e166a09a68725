package replica

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slices"

	"replichat/internal/clock"
	"replichat/internal/logging"
	"replichat/internal/protocol"
	"replichat/internal/replication"
	"replichat/internal/state"
	"replichat/internal/transport"
)

// Node is one chat replica's coordination layer. Its background jobs share
// state with the request dispatcher only through the clock, the shared state
// and the guarded coordinator view.
type Node struct {
	config *Config

	clock      *clock.Clock
	authority  Authority
	state      *state.SharedState
	publisher  transport.Publisher
	subscriber transport.Subscriber

	dedup       *replication.Deduplicator
	broadcaster *replication.Broadcaster
	applier     *replication.Applier

	view     coordinatorView
	requests atomic.Uint64
	metrics  *Metrics
	logger   logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	status  Status
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// coordinatorView is the node's advisory copy of the coordination state.
// It may transiently disagree with the authority.
type coordinatorView struct {
	mu          sync.RWMutex
	rank        int
	coordinator string
	roster      []protocol.ServerEntry
}

// New wires a node. It does not contact the authority until Start.
func New(cfg *Config, deps Deps) (*Node, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if err := validateDeps(deps); err != nil {
		return nil, err
	}

	dedup := replication.NewDeduplicator()
	return &Node{
		config:      cfg,
		clock:       deps.Clock,
		authority:   deps.Authority,
		state:       deps.State,
		publisher:   deps.Publisher,
		subscriber:  deps.Subscriber,
		dedup:       dedup,
		broadcaster: replication.NewBroadcaster(cfg.Name, deps.Clock, dedup, deps.Publisher, cfg.Logger),
		applier:     replication.NewApplier(deps.Clock, dedup, deps.State, cfg.Logger),
		metrics:     NewMetrics(),
		logger:      cfg.Logger,
		now:         time.Now,
		status:      StatusStarting,
	}, nil
}

// Start acquires a rank, seeds the coordinator from the roster and launches
// the heartbeat and gossip jobs. Failing to obtain a rank is fatal and
// returns ErrNoRank.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	rank, err := n.authority.Rank(ctx, n.config.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRank, err)
	}
	n.view.mu.Lock()
	n.view.rank = rank
	n.view.mu.Unlock()
	n.logger.Infof("[REPLICA] %s registered with rank %d", n.config.Name, rank)

	if err := n.refreshRoster(ctx); err != nil {
		n.logger.Warnf("[REPLICA] %s could not fetch initial roster: %v", n.config.Name, err)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.cancel = cancel
	n.status = StatusActive
	n.mu.Unlock()

	n.wg.Add(2)
	go n.runHeartbeatJob(jobCtx)
	go n.runGossipJob(jobCtx)

	n.logger.Infof("[REPLICA] %s active (coordinator=%q)", n.config.Name, n.Coordinator())
	return nil
}

// Stop cancels the background jobs and waits for them to exit. The
// subscriber is left for its owner to close.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	n.wg.Wait()

	n.mu.Lock()
	n.status = StatusStopped
	n.mu.Unlock()
	n.logger.Infof("[REPLICA] %s stopped", n.config.Name)
}

func (n *Node) Name() string {
	return n.config.Name
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Rank returns the rank assigned at startup, or 0 before Start.
func (n *Node) Rank() int {
	n.view.mu.RLock()
	defer n.view.mu.RUnlock()
	return n.view.rank
}

// Coordinator returns the cached coordinator, or "" when none is known.
func (n *Node) Coordinator() string {
	n.view.mu.RLock()
	defer n.view.mu.RUnlock()
	return n.view.coordinator
}

// Roster returns the last fetched roster in ascending rank order.
func (n *Node) Roster() []protocol.ServerEntry {
	n.view.mu.RLock()
	defer n.view.mu.RUnlock()
	return slices.Clone(n.view.roster)
}

func (n *Node) Clock() *clock.Clock {
	return n.clock
}

func (n *Node) State() *state.SharedState {
	return n.state
}

func (n *Node) Metrics() *Metrics {
	return n.metrics
}

func (n *Node) setCoordinator(name, source string) {
	n.view.mu.Lock()
	prev := n.view.coordinator
	n.view.coordinator = name
	n.view.mu.Unlock()

	if prev != name {
		n.logger.Infof("[REPLICA] %s coordinator %q -> %q (%s)", n.config.Name, prev, name, source)
	}
}

// refreshRoster replaces the cached roster and recomputes the coordinator
// locally as the lowest rank in it.
func (n *Node) refreshRoster(ctx context.Context) error {
	resp, err := n.authority.List(ctx)
	if err != nil {
		return err
	}

	roster := slices.Clone(resp.List)
	slices.SortFunc(roster, func(a, b protocol.ServerEntry) int {
		return a.Rank - b.Rank
	})

	coordinator := ""
	if len(roster) > 0 {
		coordinator = roster[0].Name
	}

	n.view.mu.Lock()
	n.view.roster = roster
	n.view.mu.Unlock()
	n.setCoordinator(coordinator, "roster")

	n.metrics.rosterRefreshes.Add(1)
	return nil
}

// Broadcast replicates a local mutation to every peer.
func (n *Node) Broadcast(kind protocol.EventKind, payload interface{}) error {
	if _, err := n.broadcaster.Broadcast(kind, payload); err != nil {
		n.metrics.broadcastFailures.Add(1)
		return err
	}
	n.metrics.eventsBroadcast.Add(1)
	return nil
}

// RequestCompleted is called once per answered client request. Every
// SyncEvery requests it runs Synchronize.
func (n *Node) RequestCompleted(ctx context.Context) {
	count := n.requests.Add(1)
	n.metrics.requestsHandled.Add(1)
	if count%n.config.SyncEvery != 0 {
		return
	}
	if err := n.Synchronize(ctx); err != nil {
		n.logger.Warnf("[REPLICA] %s synchronization failed: %v", n.config.Name, err)
	}
}

// Synchronize asks the authority for the coordinator. When it reports none,
// the node declares itself coordinator and announces it, without comparing
// ranks with any other candidate.
func (n *Node) Synchronize(ctx context.Context) error {
	resp, err := n.authority.Clock(ctx)
	if err != nil {
		n.metrics.syncFailures.Add(1)
		return err
	}

	if resp.Coordinator != "" {
		n.setCoordinator(resp.Coordinator, "authority")
		return nil
	}
	return n.declareSelf()
}

func (n *Node) declareSelf() error {
	n.setCoordinator(n.config.Name, "self")
	n.metrics.selfDeclarations.Add(1)

	announcement := &protocol.Announcement{Coordinator: n.config.Name}
	announcement.Stamp(n.now().Unix(), n.clock.Tick())
	env, err := protocol.NewEnvelope(protocol.ServiceElection, announcement)
	if err != nil {
		return err
	}
	frame, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := n.publisher.Publish(protocol.TopicServers, frame); err != nil {
		return fmt.Errorf("failed to announce coordinator: %w", err)
	}

	n.logger.Infof("[REPLICA] %s announced itself as coordinator", n.config.Name)
	return nil
}
