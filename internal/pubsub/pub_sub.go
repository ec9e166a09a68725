// Package pubsub is an in-process topic multicast bus. It stands in for the
// broker's proxy when several replicas run inside one process.
package pubsub

import (
	"log"
	"sync"
	"sync/atomic"

	"replichat/internal/transport"
)

// SubscriberID is a unique identifier for a single subscription instance.
type SubscriberID uint64

// nextSubscriberID is used to provide a unique ID for each subscriber.
var nextSubscriberID uint64

// SubscriptionOptions configures the behavior of a subscription.
type SubscriptionOptions struct {
	// If true, the bus blocks to deliver a frame when the subscriber's channel is full.
	// This guarantees delivery but can stall every other subscriber.
	IsBlocking bool
	// BufferSize of the subscription channel. Defaults to 256.
	BufferSize int
}

// subscriber holds the channel and configuration for a single subscription.
type subscriber struct {
	ch         chan transport.Frame
	topics     []string
	options    SubscriptionOptions
	numDropped atomic.Uint64
}

// Bus fans published frames out to every subscription registered for the
// frame's topic. Delivery is best effort: a full non-blocking subscriber
// loses the frame.
type Bus struct {
	mu sync.RWMutex
	// Used to wait for the run() goroutine to finish
	wg sync.WaitGroup

	// registry maps a topic to the subscriptions listening on it
	registry map[string]map[SubscriberID]*subscriber

	// publishChan decouples Publish from the fan-out loop and lets in-flight
	// frames drain during GracefulShutdown.
	publishChan chan transport.Frame

	shuttingDown atomic.Bool
}

var _ transport.Publisher = (*Bus)(nil)

// NewBus starts the fan-out goroutine.
func NewBus() *Bus {
	b := &Bus{
		registry:    make(map[string]map[SubscriberID]*subscriber),
		publishChan: make(chan transport.Frame, 1024),
	}

	b.wg.Add(1)
	go b.run()

	return b
}

// Subscribe registers a subscription for topics and returns it.
func (b *Bus) Subscribe(opts SubscriptionOptions, topics ...string) *Subscription {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	sub := &subscriber{
		ch:      make(chan transport.Frame, opts.BufferSize),
		topics:  topics,
		options: opts,
	}

	for _, topic := range topics {
		if _, ok := b.registry[topic]; !ok {
			b.registry[topic] = make(map[SubscriberID]*subscriber)
		}
		b.registry[topic][id] = sub
	}

	return &Subscription{bus: b, id: id, sub: sub}
}

// unsubscribe removes the subscription from every topic and closes its channel.
func (b *Bus) unsubscribe(id SubscriberID, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := false
	for _, topic := range sub.topics {
		subscribers, ok := b.registry[topic]
		if !ok {
			continue
		}
		if _, ok := subscribers[id]; ok {
			delete(subscribers, id)
			removed = true
		}
		if len(subscribers) == 0 {
			delete(b.registry, topic)
		}
	}

	if removed {
		close(sub.ch)
	}
}

// Publish queues a frame for fan-out. Frames published after shutdown began
// are dropped.
func (b *Bus) Publish(topic string, payload []byte) error {
	// Holding the read lock keeps a concurrent shutdown from closing
	// publishChan between the flag check and the send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		return transport.ErrClosed
	}

	b.publishChan <- transport.Frame{Topic: topic, Payload: payload}
	return nil
}

// ForceShutdown stops accepting publishes and returns without waiting.
func (b *Bus) ForceShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shuttingDown.Load() {
		return
	}

	b.shuttingDown.Store(true)
	close(b.publishChan)
}

// GracefulShutdown delivers every queued frame, then waits for the fan-out
// goroutine to exit.
func (b *Bus) GracefulShutdown() {
	b.mu.Lock()
	if b.shuttingDown.Load() {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}

	b.shuttingDown.Store(true)
	close(b.publishChan)
	// Unlock before waiting: run() needs the read lock to drain.
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) run() {
	defer b.wg.Done()

	for frame := range b.publishChan {
		b.mu.RLock()

		for id, sub := range b.registry[frame.Topic] {
			if sub.options.IsBlocking {
				sub.ch <- frame
				continue
			}
			select {
			case sub.ch <- frame:
			default:
				dropped := sub.numDropped.Add(1)
				log.Printf("[PUBSUB] Dropped frame on topic %q for subscriber %d (channel full). Total dropped: %d",
					frame.Topic, id, dropped)
			}
		}

		b.mu.RUnlock()
	}
}

// Subscription is a Bus-backed transport.Subscriber.
type Subscription struct {
	bus  *Bus
	id   SubscriberID
	sub  *subscriber
	once sync.Once
}

var _ transport.Subscriber = (*Subscription)(nil)

func (s *Subscription) Frames() <-chan transport.Frame {
	return s.sub.ch
}

// Dropped returns how many frames this subscription lost to a full channel.
func (s *Subscription) Dropped() uint64 {
	return s.sub.numDropped.Load()
}

func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.unsubscribe(s.id, s.sub)
	})
	return nil
}
