// Package transport declares the messaging surfaces the chat replicas rely
// on: best-effort topic multicast and synchronous request/reply.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Frame is one multicast message: a topic and its serialized payload.
type Frame struct {
	Topic   string
	Payload []byte
}

// Publisher multicasts frames. Publish must not block on slow receivers.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Subscriber delivers frames for the topics it was created with. The Frames
// channel is closed once the subscriber is closed.
type Subscriber interface {
	Frames() <-chan Frame
	Close() error
}

// Replier is the server side of a request/reply channel. Every Recv must be
// followed by exactly one Send.
type Replier interface {
	Recv(ctx context.Context) ([]byte, error)
	Send(reply []byte) error
}

// Requester is the client side of a request/reply channel.
type Requester interface {
	Request(ctx context.Context, payload []byte) ([]byte, error)
}
