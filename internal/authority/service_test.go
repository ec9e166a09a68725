package authority

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replichat/internal/clock"
	"replichat/internal/protocol"
)

func newTestService(t *testing.T) (*Service, *clock.Clock, *fakeClock) {
	wall := newFakeClock()
	clk := clock.New()
	svc := NewService(newTestRegistry(t, wall), clk, nil)
	svc.now = wall.Now
	return svc, clk, wall
}

func call(t *testing.T, svc *Service, service protocol.Service, data interface{}) *protocol.Envelope {
	env, err := protocol.NewEnvelope(service, data)
	require.NoError(t, err)
	out, err := svc.Call(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func TestServiceClockMerging(t *testing.T) {
	svc, clk, _ := newTestService(t)

	out := call(t, svc, protocol.ServiceRank, &protocol.RankRequest{Meta: protocol.Meta{Clock: 41}, User: "A"})

	var resp protocol.RankResponse
	require.NoError(t, out.Decode(&resp))
	assert.Equal(t, 1, resp.Rank)
	assert.Equal(t, uint64(42), resp.Clock, "observe(41) then tick")
	assert.Equal(t, uint64(42), clk.Value())

	// A stale clock still gets a fresh tick.
	out = call(t, svc, protocol.ServiceList, &protocol.ListRequest{Meta: protocol.Meta{Clock: 3}})
	assert.Equal(t, uint64(43), out.PeekMeta().Clock)
}

func TestServiceKinds(t *testing.T) {
	svc, _, wall := newTestService(t)

	call(t, svc, protocol.ServiceRank, &protocol.RankRequest{User: "A"})
	call(t, svc, protocol.ServiceRank, &protocol.RankRequest{User: "B"})

	t.Run("heartbeat", func(t *testing.T) {
		out := call(t, svc, protocol.ServiceHeartbeat, &protocol.HeartbeatRequest{User: "B"})
		assert.Equal(t, protocol.ServiceHeartbeat, out.Service)

		var resp protocol.HeartbeatResponse
		require.NoError(t, out.Decode(&resp))
		assert.Equal(t, protocol.StatusOK, resp.Status)
		assert.Equal(t, "A", resp.Coordinator)
	})

	t.Run("list", func(t *testing.T) {
		var resp protocol.ListResponse
		require.NoError(t, call(t, svc, protocol.ServiceList, &protocol.ListRequest{}).Decode(&resp))
		assert.Equal(t, []protocol.ServerEntry{{Name: "A", Rank: 1}, {Name: "B", Rank: 2}}, resp.List)
		assert.Equal(t, "A", resp.Coordinator)
	})

	t.Run("election", func(t *testing.T) {
		var resp protocol.ElectionResponse
		require.NoError(t, call(t, svc, protocol.ServiceElection, &protocol.ElectionRequest{User: "B"}).Decode(&resp))
		assert.Equal(t, "B", resp.Coordinator)
	})

	t.Run("clock", func(t *testing.T) {
		var resp protocol.ClockResponse
		require.NoError(t, call(t, svc, protocol.ServiceClock, &protocol.ClockRequest{}).Decode(&resp))
		assert.Equal(t, wall.Now().UnixMilli(), resp.Time)
		assert.Equal(t, "A", resp.Coordinator)
	})
}

func TestServiceErrors(t *testing.T) {
	svc, clk, _ := newTestService(t)

	t.Run("unknown service", func(t *testing.T) {
		before := clk.Value()
		out := call(t, svc, "promote", map[string]interface{}{"clock": 0})
		assert.Equal(t, protocol.Service("promote"), out.Service)

		var status protocol.StatusResponse
		require.NoError(t, out.Decode(&status))
		assert.Equal(t, protocol.StatusError, status.Status)
		assert.Equal(t, codeUnknownService, status.Code)
		assert.Equal(t, before+1, status.Clock)
	})

	t.Run("missing user", func(t *testing.T) {
		out := call(t, svc, protocol.ServiceRank, map[string]interface{}{"clock": 1})

		var status protocol.StatusResponse
		require.NoError(t, out.Decode(&status))
		assert.Equal(t, protocol.StatusError, status.Status)
		assert.Equal(t, codeValidation, status.Code)
	})

	t.Run("empty user", func(t *testing.T) {
		out := call(t, svc, protocol.ServiceHeartbeat, &protocol.HeartbeatRequest{})

		var status protocol.StatusResponse
		require.NoError(t, out.Decode(&status))
		assert.Equal(t, codeValidation, status.Code)
	})

	t.Run("nil request still answered", func(t *testing.T) {
		out, err := svc.Call(context.Background(), nil)
		require.NoError(t, err)
		require.NotNil(t, out)
	})
}
