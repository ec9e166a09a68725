// Package zmqtransport implements the transport interfaces on ZeroMQ
// sockets that connect to the broker started by cmd/broker.
package zmqtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"replichat/internal/transport"
)

// PollInterval bounds how long a blocking receive waits before checking for
// cancellation.
const PollInterval = 250 * time.Millisecond

var (
	_ transport.Publisher  = (*Publisher)(nil)
	_ transport.Subscriber = (*Subscriber)(nil)
	_ transport.Replier    = (*Replier)(nil)
	_ transport.Requester  = (*Requester)(nil)
)

func isTimeout(err error) bool {
	errno := zmq.AsErrno(err)
	return errno == zmq.Errno(syscall.EAGAIN) || errno == zmq.Errno(syscall.EINTR)
}

func newSocket(kind zmq.Type, endpoint string) (*zmq.Socket, error) {
	sock, err := zmq.NewSocket(kind)
	if err != nil {
		return nil, fmt.Errorf("create %s socket: %w", kind, err)
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set linger on %s socket: %w", kind, err)
	}
	if err := sock.Connect(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("connect %s socket to %s: %w", kind, endpoint, err)
	}
	return sock, nil
}

// Publisher sends two-part [topic, payload] messages to the proxy's XSUB
// side. ZeroMQ sockets are not goroutine safe, so sends are serialized.
type Publisher struct {
	mu     sync.Mutex
	sock   *zmq.Socket
	closed bool
}

func NewPublisher(endpoint string) (*Publisher, error) {
	sock, err := newSocket(zmq.PUB, endpoint)
	if err != nil {
		return nil, err
	}
	return &Publisher{sock: sock}, nil
}

func (p *Publisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return transport.ErrClosed
	}
	if _, err := p.sock.SendMessage(topic, payload); err != nil {
		return fmt.Errorf("publish on %q: %w", topic, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.sock.Close()
}

// Subscriber reads from the proxy's XPUB side. A single goroutine owns the
// socket and pumps frames into a buffered channel.
type Subscriber struct {
	sock   *zmq.Socket
	frames chan transport.Frame
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewSubscriber subscribes to topics, or to everything when none are given.
func NewSubscriber(endpoint string, topics ...string) (*Subscriber, error) {
	sock, err := newSocket(zmq.SUB, endpoint)
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, t := range topics {
		if err := sock.SetSubscribe(t); err != nil {
			sock.Close()
			return nil, fmt.Errorf("subscribe to %q: %w", t, err)
		}
	}
	if err := sock.SetRcvtimeo(PollInterval); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}

	s := &Subscriber{
		sock:   sock,
		frames: make(chan transport.Frame, 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.pump()
	return s, nil
}

func (s *Subscriber) pump() {
	defer s.wg.Done()
	defer close(s.frames)
	defer s.sock.Close()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		parts, err := s.sock.RecvMessageBytes(0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
		// Frames without a payload part are not ours.
		if len(parts) < 2 {
			continue
		}

		select {
		case s.frames <- transport.Frame{Topic: string(parts[0]), Payload: parts[1]}:
		case <-s.done:
			return
		}
	}
}

func (s *Subscriber) Frames() <-chan transport.Frame {
	return s.frames
}

func (s *Subscriber) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// Replier is a REP socket connected to the broker's DEALER side.
type Replier struct {
	sock *zmq.Socket
}

func NewReplier(endpoint string) (*Replier, error) {
	sock, err := newSocket(zmq.REP, endpoint)
	if err != nil {
		return nil, err
	}
	if err := sock.SetRcvtimeo(PollInterval); err != nil {
		sock.Close()
		return nil, fmt.Errorf("set receive timeout: %w", err)
	}
	return &Replier{sock: sock}, nil
}

// Recv blocks until a request arrives or ctx ends.
func (r *Replier) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := r.sock.RecvBytes(0)
		if err == nil {
			return raw, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("receive request: %w", err)
		}
	}
}

func (r *Replier) Send(reply []byte) error {
	if _, err := r.sock.SendBytes(reply, 0); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (r *Replier) Close() error {
	return r.sock.Close()
}

// ErrTimeout is returned when the broker does not answer in time.
var ErrTimeout = errors.New("request timed out")

// Requester is a REQ socket connected to the broker's ROUTER side. A REQ
// socket that lost its reply is unusable, so it is rebuilt after a timeout.
type Requester struct {
	mu       sync.Mutex
	endpoint string
	timeout  time.Duration
	sock     *zmq.Socket
}

func NewRequester(endpoint string, timeout time.Duration) (*Requester, error) {
	r := &Requester{endpoint: endpoint, timeout: timeout}
	if err := r.reconnect(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Requester) reconnect() error {
	if r.sock != nil {
		r.sock.Close()
		r.sock = nil
	}
	sock, err := newSocket(zmq.REQ, r.endpoint)
	if err != nil {
		return err
	}
	if err := sock.SetRcvtimeo(PollInterval); err != nil {
		sock.Close()
		return fmt.Errorf("set receive timeout: %w", err)
	}
	r.sock = sock
	return nil
}

func (r *Requester) Request(ctx context.Context, payload []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sock == nil {
		if err := r.reconnect(); err != nil {
			return nil, err
		}
	}
	if _, err := r.sock.SendBytes(payload, 0); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(r.timeout)
	for {
		reply, err := r.sock.RecvBytes(0)
		if err == nil {
			return reply, nil
		}
		if !isTimeout(err) {
			_ = r.reconnect()
			return nil, fmt.Errorf("receive reply: %w", err)
		}
		if ctx.Err() != nil || (r.timeout > 0 && time.Now().After(deadline)) {
			_ = r.reconnect()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrTimeout
		}
	}
}

func (r *Requester) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sock == nil {
		return nil
	}
	err := r.sock.Close()
	r.sock = nil
	return err
}
