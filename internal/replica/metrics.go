package replica

import (
	"sync/atomic"
	"time"
)

// Metrics counts coordination and gossip activity of one node.
type Metrics struct {
	requestsHandled   atomic.Uint64
	eventsBroadcast   atomic.Uint64
	broadcastFailures atomic.Uint64
	eventsApplied     atomic.Uint64
	eventsDuplicate   atomic.Uint64
	eventsRejected    atomic.Uint64
	heartbeatsSent    atomic.Uint64
	heartbeatFailures atomic.Uint64
	rosterRefreshes   atomic.Uint64
	announcementsIn   atomic.Uint64
	selfDeclarations  atomic.Uint64
	syncFailures      atomic.Uint64

	startTime time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Uptime            float64 `json:"uptime_seconds"`
	RequestsHandled   uint64  `json:"requests_handled"`
	EventsBroadcast   uint64  `json:"events_broadcast"`
	BroadcastFailures uint64  `json:"broadcast_failures"`
	EventsApplied     uint64  `json:"events_applied"`
	EventsDuplicate   uint64  `json:"events_duplicate"`
	EventsRejected    uint64  `json:"events_rejected"`
	HeartbeatsSent    uint64  `json:"heartbeats_sent"`
	HeartbeatFailures uint64  `json:"heartbeat_failures"`
	RosterRefreshes   uint64  `json:"roster_refreshes"`
	AnnouncementsIn   uint64  `json:"announcements_received"`
	SelfDeclarations  uint64  `json:"self_declarations"`
	SyncFailures      uint64  `json:"sync_failures"`
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Uptime:            time.Since(m.startTime).Seconds(),
		RequestsHandled:   m.requestsHandled.Load(),
		EventsBroadcast:   m.eventsBroadcast.Load(),
		BroadcastFailures: m.broadcastFailures.Load(),
		EventsApplied:     m.eventsApplied.Load(),
		EventsDuplicate:   m.eventsDuplicate.Load(),
		EventsRejected:    m.eventsRejected.Load(),
		HeartbeatsSent:    m.heartbeatsSent.Load(),
		HeartbeatFailures: m.heartbeatFailures.Load(),
		RosterRefreshes:   m.rosterRefreshes.Load(),
		AnnouncementsIn:   m.announcementsIn.Load(),
		SelfDeclarations:  m.selfDeclarations.Load(),
		SyncFailures:      m.syncFailures.Load(),
	}
}
