package chat

import (
	"context"
	"fmt"
	"time"

	"replichat/internal/clock"
	"replichat/internal/protocol"
	"replichat/internal/transport"
)

// Client issues chat requests over a Requester and keeps its own logical
// clock in step with the replica's.
type Client struct {
	requester transport.Requester
	clock     *clock.Clock
	now       func() time.Time
}

func NewClient(r transport.Requester) *Client {
	return &Client{requester: r, clock: clock.New(), now: time.Now}
}

// Clock returns the client's logical clock.
func (c *Client) Clock() *clock.Clock {
	return c.clock
}

func (c *Client) Login(ctx context.Context, user string) error {
	var resp protocol.StatusResponse
	return c.call(ctx, protocol.ServiceLogin, &protocol.LoginRequest{User: user}, &resp)
}

func (c *Client) Users(ctx context.Context) ([]string, error) {
	var resp protocol.UsersResponse
	if err := c.call(ctx, protocol.ServiceUsers, &protocol.UsersRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) CreateChannel(ctx context.Context, name string) error {
	var resp protocol.StatusResponse
	return c.call(ctx, protocol.ServiceChannel, &protocol.ChannelRequest{Channel: name}, &resp)
}

func (c *Client) Channels(ctx context.Context) ([]string, error) {
	var resp protocol.ChannelsResponse
	if err := c.call(ctx, protocol.ServiceChannels, &protocol.ChannelsRequest{}, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *Client) Publish(ctx context.Context, user, channel, message string) error {
	var resp protocol.StatusResponse
	req := &protocol.PublishRequest{User: user, Channel: channel, Message: message}
	return c.call(ctx, protocol.ServicePublish, req, &resp)
}

func (c *Client) Message(ctx context.Context, src, dst, message string) error {
	var resp protocol.StatusResponse
	req := &protocol.MessageRequest{Src: src, Dst: dst, Message: message}
	return c.call(ctx, protocol.ServiceMessage, req, &resp)
}

func (c *Client) call(ctx context.Context, svc protocol.Service, req, resp protocol.Stamped) error {
	req.Stamp(c.now().Unix(), c.clock.Tick())
	env, err := protocol.NewEnvelope(svc, req)
	if err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return err
	}

	replyRaw, err := c.requester.Request(ctx, raw)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", svc, err)
	}
	reply, err := protocol.UnmarshalEnvelope(replyRaw)
	if err != nil {
		return err
	}
	c.clock.Observe(reply.PeekMeta().LogicalClock())

	var status protocol.StatusResponse
	if err := reply.Decode(&status); err != nil {
		return err
	}
	if reply.Service == protocol.ServiceInternalError {
		status.Status = protocol.StatusError
	}
	if err := status.Err(reply.Service); err != nil {
		return err
	}
	return reply.Decode(resp)
}
