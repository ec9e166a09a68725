package replica

import (
	"context"
	"time"

	"replichat/internal/protocol"
	"replichat/internal/transport"
)

// runHeartbeatJob heartbeats every interval and refreshes the roster every
// RosterRefreshEvery heartbeats. Failures are logged and retried on the next
// tick.
func (n *Node) runHeartbeatJob(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	beats := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beats++
			n.heartbeat(ctx, beats)
		}
	}
}

func (n *Node) heartbeat(ctx context.Context, beat int) {
	resp, err := n.authority.Heartbeat(ctx, n.config.Name)
	if err != nil {
		n.metrics.heartbeatFailures.Add(1)
		n.logger.Warnf("[HEARTBEAT] %s failed to reach authority: %v", n.config.Name, err)
		return
	}
	n.metrics.heartbeatsSent.Add(1)
	n.logger.Debugf("[HEARTBEAT] %s ok (authority coordinator=%q)", n.config.Name, resp.Coordinator)

	if beat%n.config.RosterRefreshEvery != 0 {
		return
	}
	if err := n.refreshRoster(ctx); err != nil {
		n.logger.Warnf("[HEARTBEAT] %s roster refresh failed: %v", n.config.Name, err)
	}
}

// runGossipJob consumes coordinator announcements and replication events
// until ctx ends or the subscriber closes.
func (n *Node) runGossipJob(ctx context.Context) {
	defer n.wg.Done()

	frames := n.subscriber.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				n.logger.Warnf("[GOSSIP] %s subscriber closed", n.config.Name)
				return
			}
			n.handleFrame(frame)
		}
	}
}

func (n *Node) handleFrame(frame transport.Frame) {
	switch frame.Topic {
	case protocol.TopicServers:
		n.handleAnnouncement(frame.Payload)
	case protocol.TopicReplica:
		n.handleReplicationEvent(frame.Payload)
	default:
		n.logger.Debugf("[GOSSIP] %s ignoring frame on topic %q", n.config.Name, frame.Topic)
	}
}

// handleAnnouncement overwrites the cached coordinator with whatever was
// announced. There is no rank check.
func (n *Node) handleAnnouncement(payload []byte) {
	env, err := protocol.UnmarshalEnvelope(payload)
	if err != nil {
		n.logger.Warnf("[GOSSIP] %s dropped malformed announcement: %v", n.config.Name, err)
		return
	}
	n.clock.Observe(env.PeekMeta().LogicalClock())

	var a protocol.Announcement
	if err := env.Decode(&a, "coordinator"); err != nil {
		n.logger.Warnf("[GOSSIP] %s dropped announcement: %v", n.config.Name, err)
		return
	}
	if a.Coordinator == "" {
		return
	}

	n.metrics.announcementsIn.Add(1)
	n.setCoordinator(a.Coordinator, "announcement")
}

func (n *Node) handleReplicationEvent(payload []byte) {
	ev, err := protocol.UnmarshalEvent(payload)
	if err != nil {
		n.metrics.eventsRejected.Add(1)
		n.logger.Warnf("[GOSSIP] %s dropped malformed event: %v", n.config.Name, err)
		return
	}

	applied, err := n.applier.Apply(ev)
	switch {
	case err != nil:
		n.metrics.eventsRejected.Add(1)
		n.logger.Errorf("[GOSSIP] %s failed to apply %s event %s: %v", n.config.Name, ev.Kind, ev.ID, err)
	case applied:
		n.metrics.eventsApplied.Add(1)
	default:
		n.metrics.eventsDuplicate.Add(1)
	}
}
