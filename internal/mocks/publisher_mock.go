package mocks

import (
	"sync"

	"replichat/internal/transport"
)

// MockPublisher records every published frame in memory.
type MockPublisher struct {
	mu        sync.RWMutex
	frames    []transport.Frame
	PublishFn func(topic string, payload []byte) error
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{frames: make([]transport.Frame, 0)}
}

func (m *MockPublisher) Publish(topic string, payload []byte) error {
	if m.PublishFn != nil {
		if err := m.PublishFn(topic, payload); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, transport.Frame{Topic: topic, Payload: payload})
	return nil
}

// Frames returns a copy of all published frames
func (m *MockPublisher) Frames() []transport.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]transport.Frame, len(m.frames))
	copy(result, m.frames)
	return result
}

// FramesOn returns the published frames for one topic
func (m *MockPublisher) FramesOn(topic string) []transport.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []transport.Frame
	for _, f := range m.frames {
		if f.Topic == topic {
			result = append(result, f)
		}
	}
	return result
}

// MockSubscriber hands out a channel the test feeds directly.
type MockSubscriber struct {
	ch   chan transport.Frame
	once sync.Once
}

func NewMockSubscriber(buffer int) *MockSubscriber {
	return &MockSubscriber{ch: make(chan transport.Frame, buffer)}
}

// Deliver enqueues a frame as if it arrived from the network.
func (m *MockSubscriber) Deliver(topic string, payload []byte) {
	m.ch <- transport.Frame{Topic: topic, Payload: payload}
}

func (m *MockSubscriber) Frames() <-chan transport.Frame {
	return m.ch
}

func (m *MockSubscriber) Close() error {
	m.once.Do(func() { close(m.ch) })
	return nil
}
