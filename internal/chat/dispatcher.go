package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"replichat/internal"
	"replichat/internal/clock"
	"replichat/internal/logging"
	"replichat/internal/protocol"
	"replichat/internal/state"
	"replichat/internal/transport"
)

// Replicator broadcasts a local mutation to the other replicas.
// replica.Node implements it.
type Replicator interface {
	Broadcast(kind protocol.EventKind, payload interface{}) error
}

// Deps are the collaborators a Dispatcher mutates and publishes through.
type Deps struct {
	Clock      *clock.Clock
	State      *state.SharedState
	Replicator Replicator
	// Publisher carries live deliveries on channel and username topics.
	Publisher transport.Publisher
	Logger    logging.Logger
}

// Dispatcher handles chat requests one at a time and produces exactly one
// reply for each.
type Dispatcher struct {
	mu         sync.Mutex
	clock      *clock.Clock
	state      *state.SharedState
	replicator Replicator
	publisher  transport.Publisher
	logger     logging.Logger
	now        func() time.Time
}

func NewDispatcher(deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Clock == nil:
		return nil, fmt.Errorf("dispatcher: Clock is required")
	case deps.State == nil:
		return nil, fmt.Errorf("dispatcher: State is required")
	case deps.Replicator == nil:
		return nil, fmt.Errorf("dispatcher: Replicator is required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("dispatcher: Publisher is required")
	}
	return &Dispatcher{
		clock:      deps.Clock,
		state:      deps.State,
		replicator: deps.Replicator,
		publisher:  deps.Publisher,
		logger:     logging.OrNop(deps.Logger),
		now:        time.Now,
	}, nil
}

type handlerFunc func(d *Dispatcher, ctx context.Context, env *protocol.Envelope) (protocol.Stamped, error)

// handlers is exhaustive over the chat services.
var handlers = map[protocol.Service]handlerFunc{
	protocol.ServiceLogin:    (*Dispatcher).login,
	protocol.ServiceUsers:    (*Dispatcher).users,
	protocol.ServiceChannel:  (*Dispatcher).channel,
	protocol.ServiceChannels: (*Dispatcher).channels,
	protocol.ServicePublish:  (*Dispatcher).publish,
	protocol.ServiceMessage:  (*Dispatcher).message,
}

// Handle decodes and serves one serialized request. It never returns nil:
// faults, including panics, become error replies carrying a ticked clock.
func (d *Dispatcher) Handle(ctx context.Context, raw []byte) (reply []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("[DISPATCH] Recovered from panic: %v", r)
			reply = d.encode(protocol.ServiceInternalError, fmt.Errorf("%w: %v", ErrInternal, r))
		}
	}()

	env, err := protocol.UnmarshalEnvelope(raw)
	if err != nil {
		return d.encode(protocol.ServiceInternalError, fmt.Errorf("%w: %v", ErrValidation, err))
	}
	d.clock.Observe(env.PeekMeta().LogicalClock())

	svc, err := protocol.ParseChatService(string(env.Service))
	if err != nil {
		return d.encode(env.Service, err)
	}
	ctx = internal.ServiceKey.With(ctx, svc)

	result, err := handlers[svc](d, ctx, env)
	if err != nil {
		d.logger.Debugf("[DISPATCH] %s rejected: %v", svc, err)
		return d.encode(svc, err)
	}
	return d.encode(svc, result)
}

// encode stamps result, or an error status built from an error, with a
// freshly ticked clock.
func (d *Dispatcher) encode(svc protocol.Service, result interface{}) []byte {
	var payload protocol.Stamped
	switch v := result.(type) {
	case error:
		payload = &protocol.StatusResponse{
			Status:      protocol.StatusError,
			Code:        errorCode(v),
			Description: v.Error(),
		}
	case protocol.Stamped:
		payload = v
	}
	payload.Stamp(d.now().Unix(), d.clock.Tick())

	env, err := protocol.NewEnvelope(svc, payload)
	if err == nil {
		var raw []byte
		if raw, err = env.Marshal(); err == nil {
			return raw
		}
	}

	d.logger.Errorf("[DISPATCH] Failed to encode %s reply: %v", svc, err)
	fallback := &protocol.StatusResponse{Status: protocol.StatusError, Code: CodeInternal, Description: err.Error()}
	fallback.Stamp(d.now().Unix(), payload.LogicalClock())
	env, _ = protocol.NewEnvelope(protocol.ServiceInternalError, fallback)
	raw, _ := env.Marshal()
	return raw
}

func decode(env *protocol.Envelope, v interface{}, required ...string) error {
	if err := env.Decode(v, required...); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func okStatus() *protocol.StatusResponse {
	return &protocol.StatusResponse{Status: protocol.StatusOK}
}

func (d *Dispatcher) login(ctx context.Context, env *protocol.Envelope) (protocol.Stamped, error) {
	var req protocol.LoginRequest
	if err := decode(env, &req, "user"); err != nil {
		return nil, err
	}
	if req.User == "" {
		return nil, fmt.Errorf("%w: username must not be empty", ErrValidation)
	}
	if protocol.IsControlTopic(req.User) {
		return nil, fmt.Errorf("%w: username %q is reserved", ErrValidation, req.User)
	}

	added, err := d.state.AddUser(req.User)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if added {
		d.replicate(ctx, protocol.EventUser, &protocol.UserPayload{User: req.User})
	}
	return okStatus(), nil
}

func (d *Dispatcher) users(_ context.Context, env *protocol.Envelope) (protocol.Stamped, error) {
	var req protocol.UsersRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	return &protocol.UsersResponse{Users: d.state.Users()}, nil
}

func (d *Dispatcher) channel(ctx context.Context, env *protocol.Envelope) (protocol.Stamped, error) {
	var req protocol.ChannelRequest
	if err := decode(env, &req, "channel"); err != nil {
		return nil, err
	}
	if req.Channel == "" {
		return nil, fmt.Errorf("%w: channel name must not be empty", ErrValidation)
	}
	if protocol.IsControlTopic(req.Channel) {
		return nil, fmt.Errorf("%w: channel name %q is reserved", ErrValidation, req.Channel)
	}

	added, err := d.state.AddChannel(req.Channel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !added {
		return nil, fmt.Errorf("%w: channel %q", ErrConflict, req.Channel)
	}
	d.replicate(ctx, protocol.EventChannel, &protocol.ChannelPayload{Channel: req.Channel})
	return okStatus(), nil
}

func (d *Dispatcher) channels(_ context.Context, env *protocol.Envelope) (protocol.Stamped, error) {
	var req protocol.ChannelsRequest
	if err := decode(env, &req); err != nil {
		return nil, err
	}
	return &protocol.ChannelsResponse{Channels: d.state.Channels()}, nil
}

func (d *Dispatcher) publish(ctx context.Context, env *protocol.Envelope) (protocol.Stamped, error) {
	var req protocol.PublishRequest
	if err := decode(env, &req, "user", "channel", "message"); err != nil {
		return nil, err
	}
	if !d.state.HasChannel(req.Channel) {
		return nil, fmt.Errorf("%w: channel %q", ErrNotFound, req.Channel)
	}

	entry := protocol.LogEntry{
		Type:      protocol.EntryChannel,
		Channel:   req.Channel,
		User:      req.User,
		Message:   req.Message,
		Timestamp: d.now().Unix(),
		Clock:     d.clock.Tick(),
	}
	if err := d.deliver(ctx, entry); err != nil {
		return nil, err
	}
	d.replicate(ctx, protocol.EventPublish, &protocol.EntryPayload{Entry: entry})
	return okStatus(), nil
}

func (d *Dispatcher) message(ctx context.Context, env *protocol.Envelope) (protocol.Stamped, error) {
	var req protocol.MessageRequest
	if err := decode(env, &req, "src", "dst", "message"); err != nil {
		return nil, err
	}
	if !d.state.HasUser(req.Dst) {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, req.Dst)
	}

	entry := protocol.LogEntry{
		Type:      protocol.EntryPrivate,
		From:      req.Src,
		To:        req.Dst,
		Message:   req.Message,
		Timestamp: d.now().Unix(),
		Clock:     d.clock.Tick(),
	}
	if err := d.deliver(ctx, entry); err != nil {
		return nil, err
	}
	d.replicate(ctx, protocol.EventDirectMessage, &protocol.EntryPayload{Entry: entry})
	return okStatus(), nil
}

// deliver multicasts the entry live, then appends it to the log. Only this
// replica delivers it live; peers just log it.
func (d *Dispatcher) deliver(ctx context.Context, entry protocol.LogEntry) error {
	frame, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if err := d.publisher.Publish(entry.Topic(), frame); err != nil {
		svc, _ := internal.ServiceKey.From(ctx)
		d.logger.Warnf("[DISPATCH] %s: live delivery on %q failed: %v", svc, entry.Topic(), err)
	}

	if err := d.state.AppendEntry(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// replicate is fire-and-forget. The local mutation already happened, so a
// failed broadcast is logged rather than turned into an error reply.
func (d *Dispatcher) replicate(ctx context.Context, kind protocol.EventKind, payload interface{}) {
	if err := d.replicator.Broadcast(kind, payload); err != nil {
		svc, _ := internal.ServiceKey.From(ctx)
		d.logger.Warnf("[DISPATCH] %s: failed to replicate %s event: %v", svc, kind, err)
	}
}
