package replication

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"replichat/internal/clock"
	"replichat/internal/protocol"
	"replichat/internal/state"
)

// recordingPublisher keeps every published frame in memory.
type recordingPublisher struct {
	mu     sync.Mutex
	frames []recordedFrame
	err    error
}

type recordedFrame struct {
	topic   string
	payload []byte
}

func (p *recordingPublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, recordedFrame{topic: topic, payload: payload})
	return nil
}

func newReplica(t *testing.T) (*state.SharedState, *Applier, *clock.Clock) {
	st, err := state.New(nil)
	require.NoError(t, err)
	clk := clock.New()
	return st, NewApplier(clk, NewDeduplicator(), st, nil), clk
}

func mustEvent(t *testing.T, id string, kind protocol.EventKind, clk uint64, payload interface{}) *protocol.ReplicationEvent {
	raw, err := msgpack.Marshal(payload)
	require.NoError(t, err)
	return &protocol.ReplicationEvent{
		ID: id, Origin: strings.Split(id, ":")[0], Kind: kind, Payload: raw, Clock: clk,
	}
}

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator()

	assert.True(t, d.MarkIfNew("r1:a"))
	assert.False(t, d.MarkIfNew("r1:a"))
	assert.True(t, d.Seen("r1:a"))
	assert.False(t, d.Seen("r1:b"))
	assert.Equal(t, 1, d.Len())

	t.Run("concurrent marks have one winner", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if d.MarkIfNew("r2:race") {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestNewEventID(t *testing.T) {
	id := NewEventID("replica-1")
	assert.True(t, strings.HasPrefix(id, "replica-1:"))
	assert.Len(t, strings.TrimPrefix(id, "replica-1:"), 32)
	assert.NotEqual(t, id, NewEventID("replica-1"))
}

func TestBroadcaster(t *testing.T) {
	clk := clock.New()
	dedup := NewDeduplicator()
	pub := &recordingPublisher{}
	b := NewBroadcaster("r1", clk, dedup, pub, nil)

	ev, err := b.Broadcast(protocol.EventUser, &protocol.UserPayload{User: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "r1", ev.Origin)
	assert.Equal(t, uint64(1), ev.Clock)
	assert.True(t, dedup.Seen(ev.ID), "originator records its own event")

	require.Len(t, pub.frames, 1)
	assert.Equal(t, protocol.TopicReplica, pub.frames[0].topic)

	decoded, err := protocol.UnmarshalEvent(pub.frames[0].payload)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, decoded.ID)

	t.Run("own event looping back is a no-op", func(t *testing.T) {
		st, err := state.New(nil)
		require.NoError(t, err)
		a := NewApplier(clk, dedup, st, nil)

		applied, err := a.Apply(decoded)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Empty(t, st.Users())
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		failing := NewBroadcaster("r1", clk, dedup, &recordingPublisher{err: errors.New("down")}, nil)
		_, err := failing.Broadcast(protocol.EventChannel, &protocol.ChannelPayload{Channel: "x"})
		assert.Error(t, err)
	})
}

func TestApplierIdempotence(t *testing.T) {
	st, a, clk := newReplica(t)

	user := mustEvent(t, "r1:1", protocol.EventUser, 5, &protocol.UserPayload{User: "alice"})
	msg := mustEvent(t, "r1:2", protocol.EventPublish, 6, &protocol.EntryPayload{Entry: protocol.LogEntry{
		Type: protocol.EntryChannel, Channel: "general", User: "alice", Message: "hi", Clock: 6,
	}})

	for i := 0; i < 2; i++ {
		_, err := a.Apply(user)
		require.NoError(t, err)
		_, err = a.Apply(msg)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"alice"}, st.Users())
	assert.Equal(t, []string{"general"}, st.Channels(), "publish registers unseen channel")
	assert.Len(t, st.Entries(), 1)
	assert.Equal(t, uint64(6), clk.Value(), "clock merged from events")
}

func TestApplierDirectMessageKeepsChannels(t *testing.T) {
	st, a, _ := newReplica(t)

	dm := mustEvent(t, "r1:9", protocol.EventDirectMessage, 1, &protocol.EntryPayload{Entry: protocol.LogEntry{
		Type: protocol.EntryPrivate, From: "alice", To: "bob", Message: "psst",
	}})
	applied, err := a.Apply(dm)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Empty(t, st.Channels())
	require.Len(t, st.Entries(), 1)
	assert.Equal(t, "bob", st.Entries()[0].To)
}

func TestApplierPublishWithoutTypeRegistersChannel(t *testing.T) {
	st, a, _ := newReplica(t)

	pub := mustEvent(t, "r1:3", protocol.EventPublish, 2, &protocol.EntryPayload{Entry: protocol.LogEntry{
		Channel: "general", User: "alice", Message: "hi",
	}})
	applied, err := a.Apply(pub)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, []string{"general"}, st.Channels())
	require.Len(t, st.Entries(), 1)
	assert.Equal(t, protocol.EntryChannel, st.Entries()[0].Type)
}

func TestApplierSkipsControlTopicNames(t *testing.T) {
	st, a, _ := newReplica(t)

	_, err := a.Apply(mustEvent(t, "r1:4", protocol.EventUser, 1, &protocol.UserPayload{User: protocol.TopicServers}))
	require.NoError(t, err)
	_, err = a.Apply(mustEvent(t, "r1:5", protocol.EventChannel, 2, &protocol.ChannelPayload{Channel: protocol.TopicReplica}))
	require.NoError(t, err)

	assert.Empty(t, st.Users())
	assert.Empty(t, st.Channels())
}

func TestApplierRejectsMalformedPayload(t *testing.T) {
	_, a, _ := newReplica(t)

	bad := &protocol.ReplicationEvent{ID: "r1:x", Kind: protocol.EventUser, Payload: []byte{0xa3, 'a', 'b', 'c'}}
	_, err := a.Apply(bad)
	assert.Error(t, err)
}

func TestReplicasConvergeInAnyOrder(t *testing.T) {
	events := []*protocol.ReplicationEvent{
		mustEvent(t, "r1:1", protocol.EventUser, 1, &protocol.UserPayload{User: "alice"}),
		mustEvent(t, "r2:1", protocol.EventUser, 1, &protocol.UserPayload{User: "bob"}),
		mustEvent(t, "r1:2", protocol.EventChannel, 2, &protocol.ChannelPayload{Channel: "general"}),
		mustEvent(t, "r2:2", protocol.EventPublish, 3, &protocol.EntryPayload{Entry: protocol.LogEntry{
			Type: protocol.EntryChannel, Channel: "random", User: "bob", Message: "yo", Clock: 3,
		}}),
		mustEvent(t, "r1:3", protocol.EventDirectMessage, 4, &protocol.EntryPayload{Entry: protocol.LogEntry{
			Type: protocol.EntryPrivate, From: "alice", To: "bob", Message: "hey", Clock: 4,
		}}),
	}

	forward, a1, _ := newReplica(t)
	backward, a2, _ := newReplica(t)

	for _, ev := range events {
		_, err := a1.Apply(ev)
		require.NoError(t, err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		_, err := a2.Apply(events[i])
		require.NoError(t, err)
		// Redelivery mid-stream changes nothing.
		_, err = a2.Apply(events[len(events)-1])
		require.NoError(t, err)
	}

	assert.Equal(t, forward.Users(), backward.Users())
	assert.Equal(t, forward.Channels(), backward.Channels())
	assert.ElementsMatch(t, forward.Entries(), backward.Entries())
}

func TestBroadcastTimestamp(t *testing.T) {
	b := NewBroadcaster("r1", clock.New(), NewDeduplicator(), &recordingPublisher{}, nil)
	fixed := time.Unix(1700000000, 0)
	b.now = func() time.Time { return fixed }

	ev, err := b.Broadcast(protocol.EventChannel, &protocol.ChannelPayload{Channel: "general"})
	require.NoError(t, err)
	assert.Equal(t, fixed.Unix(), ev.Timestamp)
}
