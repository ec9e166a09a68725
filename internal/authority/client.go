package authority

import (
	"context"
	"fmt"
	"sync"
	"time"

	"replichat/internal/clock"
	"replichat/internal/protocol"
)

// DefaultRequestTimeout bounds a single authority round trip.
const DefaultRequestTimeout = 5 * time.Second

// Caller delivers one envelope to the authority and returns its reply.
// Service satisfies it directly; GRPCCaller does over the network.
type Caller interface {
	Call(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error)
}

// Client is a replica's connection to the authority. The connection carries
// one outstanding request at a time, so every call is serialized.
type Client struct {
	mu      sync.Mutex
	caller  Caller
	clock   *clock.Clock
	timeout time.Duration
	now     func() time.Time
}

// NewClient creates a client that ticks clk on every request and merges the
// clock of every reply. A zero timeout leaves deadlines to ctx.
func NewClient(caller Caller, clk *clock.Clock, timeout time.Duration) *Client {
	return &Client{caller: caller, clock: clk, timeout: timeout, now: time.Now}
}

func (c *Client) Rank(ctx context.Context, name string) (int, error) {
	var resp protocol.RankResponse
	if err := c.call(ctx, protocol.ServiceRank, &protocol.RankRequest{User: name}, &resp, "rank"); err != nil {
		return 0, err
	}
	return resp.Rank, nil
}

func (c *Client) Heartbeat(ctx context.Context, name string) (*protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	if err := c.call(ctx, protocol.ServiceHeartbeat, &protocol.HeartbeatRequest{User: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) List(ctx context.Context) (*protocol.ListResponse, error) {
	var resp protocol.ListResponse
	if err := c.call(ctx, protocol.ServiceList, &protocol.ListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Election asks for the coordinator. A non-empty preferred name is returned
// as coordinator if it is alive.
func (c *Client) Election(ctx context.Context, preferred string) (*protocol.ElectionResponse, error) {
	var resp protocol.ElectionResponse
	if err := c.call(ctx, protocol.ServiceElection, &protocol.ElectionRequest{User: preferred}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Clock(ctx context.Context) (*protocol.ClockResponse, error) {
	var resp protocol.ClockResponse
	if err := c.call(ctx, protocol.ServiceClock, &protocol.ClockRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, svc protocol.Service, req, resp protocol.Stamped, required ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.Stamp(c.now().Unix(), c.clock.Tick())
	env, err := protocol.NewEnvelope(svc, req)
	if err != nil {
		return err
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.caller.Call(callCtx, env)
	if err != nil {
		return fmt.Errorf("authority %s request failed: %w", svc, err)
	}
	c.clock.Observe(out.PeekMeta().LogicalClock())

	var status protocol.StatusResponse
	if err := out.Decode(&status); err != nil {
		return err
	}
	if out.Service == protocol.ServiceInternalError {
		status.Status = protocol.StatusError
	}
	if err := status.Err(out.Service); err != nil {
		return err
	}
	return out.Decode(resp, required...)
}
