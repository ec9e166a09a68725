package replication

import (
	"fmt"

	"replichat/internal/clock"
	"replichat/internal/logging"
	"replichat/internal/protocol"
	"replichat/internal/state"
)

// Applier applies received replication events to a replica's state.
type Applier struct {
	clock  *clock.Clock
	dedup  *Deduplicator
	state  *state.SharedState
	logger logging.Logger
}

func NewApplier(clk *clock.Clock, dedup *Deduplicator, st *state.SharedState, logger logging.Logger) *Applier {
	return &Applier{clock: clk, dedup: dedup, state: st, logger: logging.OrNop(logger)}
}

// Apply drops events whose ID was already recorded. Otherwise it records the
// ID, merges the event clock and applies the payload. applied is false for
// duplicates.
func (a *Applier) Apply(ev *protocol.ReplicationEvent) (applied bool, err error) {
	if !a.dedup.MarkIfNew(ev.ID) {
		return false, nil
	}
	a.clock.Observe(ev.Clock)

	switch ev.Kind {
	case protocol.EventUser:
		var p protocol.UserPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		if p.User == "" || protocol.IsControlTopic(p.User) {
			return false, nil
		}
		if _, err := a.state.AddUser(p.User); err != nil {
			return false, err
		}

	case protocol.EventChannel:
		var p protocol.ChannelPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		if p.Channel == "" || protocol.IsControlTopic(p.Channel) {
			return false, nil
		}
		if _, err := a.state.AddChannel(p.Channel); err != nil {
			return false, err
		}

	case protocol.EventPublish, protocol.EventDirectMessage:
		var p protocol.EntryPayload
		if err := ev.DecodePayload(&p); err != nil {
			return false, err
		}
		// The event kind decides the entry type, so only publish events
		// register a channel as a side effect.
		if ev.Kind == protocol.EventDirectMessage {
			p.Entry.Type = protocol.EntryPrivate
		} else {
			p.Entry.Type = protocol.EntryChannel
		}
		if err := a.state.AppendEntry(p.Entry); err != nil {
			return false, err
		}

	default:
		return false, fmt.Errorf("unknown replication event %q", ev.Kind)
	}

	a.logger.Debugf("[GOSSIP] applied %s event %s from %s (clock=%d)", ev.Kind, ev.ID, ev.Origin, ev.Clock)
	return true, nil
}
