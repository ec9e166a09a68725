package replication

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"replichat/internal/clock"
	"replichat/internal/logging"
	"replichat/internal/protocol"
	"replichat/internal/transport"
)

// NewEventID returns origin + ":" + a random 128-bit token in hex.
func NewEventID(origin string) string {
	id := uuid.New()
	return origin + ":" + hex.EncodeToString(id[:])
}

// Broadcaster packages local mutations as replication events and multicasts
// them on the replica topic.
type Broadcaster struct {
	origin    string
	clock     *clock.Clock
	dedup     *Deduplicator
	publisher transport.Publisher
	logger    logging.Logger
	now       func() time.Time
}

func NewBroadcaster(origin string, clk *clock.Clock, dedup *Deduplicator, pub transport.Publisher, logger logging.Logger) *Broadcaster {
	return &Broadcaster{
		origin:    origin,
		clock:     clk,
		dedup:     dedup,
		publisher: pub,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// Broadcast records the new event's ID as seen before publishing, so the
// originator ignores its own event when the multicast loops back.
func (b *Broadcaster) Broadcast(kind protocol.EventKind, payload interface{}) (*protocol.ReplicationEvent, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	ev := &protocol.ReplicationEvent{
		ID:        NewEventID(b.origin),
		Origin:    b.origin,
		Kind:      kind,
		Payload:   raw,
		Timestamp: b.now().Unix(),
	}
	b.dedup.MarkIfNew(ev.ID)
	ev.Clock = b.clock.Tick()

	frame, err := protocol.MarshalEvent(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", kind, err)
	}
	if err := b.publisher.Publish(protocol.TopicReplica, frame); err != nil {
		return ev, fmt.Errorf("failed to publish %s event %s: %w", kind, ev.ID, err)
	}

	b.logger.Debugf("[GOSSIP] %s broadcast %s event %s (clock=%d)", b.origin, kind, ev.ID, ev.Clock)
	return ev, nil
}
