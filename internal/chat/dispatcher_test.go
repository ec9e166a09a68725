package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"replichat/internal/clock"
	"replichat/internal/mocks"
	"replichat/internal/protocol"
	"replichat/internal/state"
)

type broadcastCall struct {
	kind    protocol.EventKind
	payload interface{}
}

// fakeReplicator records broadcasts instead of sending them.
type fakeReplicator struct {
	mu    sync.Mutex
	calls []broadcastCall
	err   error
	panic bool
}

func (f *fakeReplicator) Broadcast(kind protocol.EventKind, payload interface{}) error {
	if f.panic {
		panic("replication layer exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, broadcastCall{kind: kind, payload: payload})
	return f.err
}

func (f *fakeReplicator) kinds() []protocol.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.EventKind
	for _, c := range f.calls {
		out = append(out, c.kind)
	}
	return out
}

type fixture struct {
	d     *Dispatcher
	clock *clock.Clock
	state *state.SharedState
	repl  *fakeReplicator
	live  *mocks.MockPublisher
}

func newFixture(t *testing.T) *fixture {
	st, err := state.New(nil)
	require.NoError(t, err)

	f := &fixture{
		clock: clock.New(),
		state: st,
		repl:  &fakeReplicator{},
		live:  mocks.NewMockPublisher(),
	}
	f.d, err = NewDispatcher(Deps{Clock: f.clock, State: st, Replicator: f.repl, Publisher: f.live})
	require.NoError(t, err)
	return f
}

// request sends one request through Handle and returns the reply envelope.
func (f *fixture) request(t *testing.T, svc protocol.Service, data interface{}) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(svc, data)
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)

	reply, err := protocol.UnmarshalEnvelope(f.d.Handle(context.Background(), raw))
	require.NoError(t, err)
	return reply
}

func status(t *testing.T, env *protocol.Envelope) protocol.StatusResponse {
	t.Helper()
	var s protocol.StatusResponse
	require.NoError(t, env.Decode(&s))
	return s
}

func TestPublishScenario(t *testing.T) {
	f := newFixture(t)
	publish := &protocol.PublishRequest{User: "alice", Channel: "general", Message: "hi"}

	s := status(t, f.request(t, protocol.ServicePublish, publish))
	assert.Equal(t, protocol.StatusError, s.Status)
	assert.Equal(t, CodeNotFound, s.Code)
	assert.Empty(t, f.state.Entries())
	assert.Empty(t, f.live.Frames())

	s = status(t, f.request(t, protocol.ServiceChannel, &protocol.ChannelRequest{Channel: "general"}))
	require.Equal(t, protocol.StatusOK, s.Status)

	s = status(t, f.request(t, protocol.ServicePublish, publish))
	require.Equal(t, protocol.StatusOK, s.Status)

	entries := f.state.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, protocol.EntryChannel, entries[0].Type)
	assert.Equal(t, "alice", entries[0].User)

	frames := f.live.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "general", frames[0].Topic)

	var delivered protocol.LogEntry
	require.NoError(t, msgpack.Unmarshal(frames[0].Payload, &delivered))
	assert.Equal(t, protocol.EntryChannel, delivered.Type)
	assert.Equal(t, "hi", delivered.Message)
	assert.Equal(t, entries[0], delivered)

	assert.Equal(t, []protocol.EventKind{protocol.EventChannel, protocol.EventPublish}, f.repl.kinds())
}

func TestNilRequiredFieldIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.state.AddChannel("general")
	require.NoError(t, err)

	s := status(t, f.request(t, protocol.ServicePublish, map[string]interface{}{
		"user": nil, "channel": "general", "message": nil,
	}))
	assert.Equal(t, protocol.StatusError, s.Status)
	assert.Equal(t, CodeValidation, s.Code)
	assert.Empty(t, f.state.Entries())
	assert.Empty(t, f.live.Frames())
	assert.Empty(t, f.repl.kinds())
}

func TestControlTopicNamesAreReserved(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{protocol.TopicServers, protocol.TopicReplica} {
		s := status(t, f.request(t, protocol.ServiceLogin, &protocol.LoginRequest{User: name}))
		assert.Equal(t, CodeValidation, s.Code, "login %q", name)

		s = status(t, f.request(t, protocol.ServiceChannel, &protocol.ChannelRequest{Channel: name}))
		assert.Equal(t, CodeValidation, s.Code, "channel %q", name)
	}

	assert.Empty(t, f.state.Users())
	assert.Empty(t, f.state.Channels())
	assert.Empty(t, f.repl.kinds())
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	t.Run("empty username", func(t *testing.T) {
		s := status(t, f.request(t, protocol.ServiceLogin, &protocol.LoginRequest{}))
		assert.Equal(t, CodeValidation, s.Code)
	})

	t.Run("missing username field", func(t *testing.T) {
		s := status(t, f.request(t, protocol.ServiceLogin, map[string]interface{}{"clock": 1}))
		assert.Equal(t, CodeValidation, s.Code)
	})

	t.Run("idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			s := status(t, f.request(t, protocol.ServiceLogin, &protocol.LoginRequest{User: "alice"}))
			assert.Equal(t, protocol.StatusOK, s.Status)
		}
		assert.Equal(t, []string{"alice"}, f.state.Users())
		assert.Equal(t, []protocol.EventKind{protocol.EventUser}, f.repl.kinds(), "only a new user is replicated")
	})

	t.Run("users lists snapshot", func(t *testing.T) {
		var resp protocol.UsersResponse
		require.NoError(t, f.request(t, protocol.ServiceUsers, &protocol.UsersRequest{}).Decode(&resp))
		assert.Equal(t, []string{"alice"}, resp.Users)
	})
}

func TestChannel(t *testing.T) {
	f := newFixture(t)

	s := status(t, f.request(t, protocol.ServiceChannel, &protocol.ChannelRequest{}))
	assert.Equal(t, CodeValidation, s.Code)

	s = status(t, f.request(t, protocol.ServiceChannel, &protocol.ChannelRequest{Channel: "general"}))
	assert.Equal(t, protocol.StatusOK, s.Status)

	s = status(t, f.request(t, protocol.ServiceChannel, &protocol.ChannelRequest{Channel: "general"}))
	assert.Equal(t, CodeConflict, s.Code)
	assert.Len(t, f.repl.kinds(), 1)

	var resp protocol.ChannelsResponse
	require.NoError(t, f.request(t, protocol.ServiceChannels, &protocol.ChannelsRequest{}).Decode(&resp))
	assert.Equal(t, []string{"general"}, resp.Channels)
}

func TestDirectMessage(t *testing.T) {
	f := newFixture(t)
	msg := &protocol.MessageRequest{Src: "alice", Dst: "bob", Message: "psst"}

	s := status(t, f.request(t, protocol.ServiceMessage, msg))
	assert.Equal(t, CodeNotFound, s.Code)

	_, err := f.state.AddUser("bob")
	require.NoError(t, err)

	s = status(t, f.request(t, protocol.ServiceMessage, msg))
	require.Equal(t, protocol.StatusOK, s.Status)

	frames := f.live.FramesOn("bob")
	require.Len(t, frames, 1)

	var delivered protocol.LogEntry
	require.NoError(t, msgpack.Unmarshal(frames[0].Payload, &delivered))
	assert.Equal(t, protocol.EntryPrivate, delivered.Type)
	assert.Equal(t, "alice", delivered.From)

	assert.Len(t, f.state.Entries(), 1)
	assert.Equal(t, []protocol.EventKind{protocol.EventDirectMessage}, f.repl.kinds())

	t.Run("missing fields", func(t *testing.T) {
		s := status(t, f.request(t, protocol.ServiceMessage, map[string]interface{}{"src": "alice"}))
		assert.Equal(t, CodeValidation, s.Code)
	})
}

func TestUnknownService(t *testing.T) {
	f := newFixture(t)

	reply := f.request(t, "rank", &protocol.RankRequest{User: "r1"})
	assert.Equal(t, protocol.Service("rank"), reply.Service)

	s := status(t, reply)
	assert.Equal(t, protocol.StatusError, s.Status)
	assert.Equal(t, CodeUnknownService, s.Code)
}

func TestEveryReplyCarriesTickedClock(t *testing.T) {
	f := newFixture(t)

	reply := f.request(t, protocol.ServiceUsers, &protocol.UsersRequest{Meta: protocol.Meta{Clock: 100}})
	assert.Equal(t, uint64(101), reply.PeekMeta().Clock)

	reply = f.request(t, protocol.ServiceLogin, &protocol.LoginRequest{})
	assert.Equal(t, uint64(102), reply.PeekMeta().Clock, "error replies tick too")
}

func TestInternalFaultsAreAnswered(t *testing.T) {
	t.Run("panic", func(t *testing.T) {
		f := newFixture(t)
		f.repl.panic = true

		reply := f.request(t, protocol.ServiceLogin, &protocol.LoginRequest{User: "alice"})
		assert.Equal(t, protocol.ServiceInternalError, reply.Service)

		s := status(t, reply)
		assert.Equal(t, CodeInternal, s.Code)
		assert.NotZero(t, s.Clock)

		// The dispatcher keeps serving after a fault.
		s = status(t, f.request(t, protocol.ServiceUsers, &protocol.UsersRequest{}))
		assert.Equal(t, "", s.Status)
	})

	t.Run("malformed frame", func(t *testing.T) {
		f := newFixture(t)
		raw := f.d.Handle(context.Background(), []byte{0xc1})
		require.NotNil(t, raw)

		reply, err := protocol.UnmarshalEnvelope(raw)
		require.NoError(t, err)
		assert.Equal(t, protocol.ServiceInternalError, reply.Service)
		assert.Equal(t, CodeValidation, status(t, reply).Code)
	})

	t.Run("replication failure does not fail the request", func(t *testing.T) {
		f := newFixture(t)
		f.repl.err = errors.New("publisher closed")

		s := status(t, f.request(t, protocol.ServiceChannel, &protocol.ChannelRequest{Channel: "general"}))
		assert.Equal(t, protocol.StatusOK, s.Status)
		assert.True(t, f.state.HasChannel("general"))
	})
}

func TestDispatcherSerializesRequests(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env, _ := protocol.NewEnvelope(protocol.ServiceChannel, &protocol.ChannelRequest{Channel: "general"})
			raw, _ := env.Marshal()
			f.d.Handle(context.Background(), raw)
		}()
	}
	wg.Wait()

	assert.Equal(t, []protocol.EventKind{protocol.EventChannel}, f.repl.kinds())
	assert.Equal(t, uint64(20), f.clock.Value())
}

func TestNewDispatcherRequiresDeps(t *testing.T) {
	_, err := NewDispatcher(Deps{})
	assert.Error(t, err)
}
