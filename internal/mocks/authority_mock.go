package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"replichat/internal/protocol"
)

// MockAuthority is a testify mock of the replica's authority client.
type MockAuthority struct {
	mock.Mock
}

func NewMockAuthority() *MockAuthority {
	return &MockAuthority{}
}

func (m *MockAuthority) Rank(ctx context.Context, name string) (int, error) {
	args := m.Called(ctx, name)
	return args.Int(0), args.Error(1)
}

func (m *MockAuthority) Heartbeat(ctx context.Context, name string) (*protocol.HeartbeatResponse, error) {
	args := m.Called(ctx, name)
	resp, _ := args.Get(0).(*protocol.HeartbeatResponse)
	return resp, args.Error(1)
}

func (m *MockAuthority) List(ctx context.Context) (*protocol.ListResponse, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*protocol.ListResponse)
	return resp, args.Error(1)
}

func (m *MockAuthority) Clock(ctx context.Context) (*protocol.ClockResponse, error) {
	args := m.Called(ctx)
	resp, _ := args.Get(0).(*protocol.ClockResponse)
	return resp, args.Error(1)
}
