package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replichat/internal/clock"
	"replichat/internal/logging"
	"replichat/internal/protocol"
)

// Error codes carried by error replies.
const (
	codeValidation     = "validation"
	codeUnknownService = "unknown_service"
	codeInternal       = "internal"
)

// Service answers authority envelopes. Every request gets exactly one reply
// carrying the authority clock, ticked once per request after merging the
// clock the request carried.
type Service struct {
	registry *Registry
	clock    *clock.Clock
	now      func() time.Time
	logger   logging.Logger
}

func NewService(registry *Registry, clk *clock.Clock, logger logging.Logger) *Service {
	return &Service{
		registry: registry,
		clock:    clk,
		now:      time.Now,
		logger:   logging.OrNop(logger),
	}
}

// Call handles a single envelope. Handler panics become internal_error
// replies; the returned error is always nil so the transport never drops a
// request without a reply.
func (s *Service) Call(ctx context.Context, req *protocol.Envelope) (resp *protocol.Envelope, err error) {
	if req == nil {
		req = &protocol.Envelope{}
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("[AUTHORITY] Panic while handling %s: %v", req.Service, r)
			resp, err = s.internalError(fmt.Sprint(r)), nil
		}
	}()

	s.clock.Observe(req.PeekMeta().LogicalClock())

	svc, perr := protocol.ParseAuthorityService(string(req.Service))
	if perr != nil {
		s.logger.Warnf("[AUTHORITY] Rejected request: %v", perr)
		return s.reply(req.Service, &protocol.StatusResponse{
			Status:      protocol.StatusError,
			Code:        codeUnknownService,
			Description: "invalid service",
		}), nil
	}

	var payload protocol.Stamped
	var herr error
	switch svc {
	case protocol.ServiceRank:
		payload, herr = s.handleRank(ctx, req)
	case protocol.ServiceHeartbeat:
		payload, herr = s.handleHeartbeat(ctx, req)
	case protocol.ServiceList:
		payload, herr = s.handleList(req)
	case protocol.ServiceElection:
		payload, herr = s.handleElection(req)
	case protocol.ServiceClock:
		payload, herr = s.handleClock(req)
	}

	if herr != nil {
		s.logger.Warnf("[AUTHORITY] %s failed: %v", svc, herr)
		payload = errorStatus(herr)
	}
	return s.reply(svc, payload), nil
}

func (s *Service) handleRank(ctx context.Context, req *protocol.Envelope) (protocol.Stamped, error) {
	var in protocol.RankRequest
	if err := req.Decode(&in, "user"); err != nil {
		return nil, err
	}
	rank, err := s.registry.Rank(ctx, in.User)
	if err != nil {
		return nil, err
	}
	return &protocol.RankResponse{Rank: rank}, nil
}

func (s *Service) handleHeartbeat(ctx context.Context, req *protocol.Envelope) (protocol.Stamped, error) {
	var in protocol.HeartbeatRequest
	if err := req.Decode(&in, "user"); err != nil {
		return nil, err
	}
	coordinator, err := s.registry.Heartbeat(ctx, in.User)
	if err != nil {
		return nil, err
	}
	return &protocol.HeartbeatResponse{Status: protocol.StatusOK, Coordinator: coordinator}, nil
}

func (s *Service) handleList(req *protocol.Envelope) (protocol.Stamped, error) {
	var in protocol.ListRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	roster, coordinator := s.registry.List()

	entries := make([]protocol.ServerEntry, 0, len(roster))
	for _, rec := range roster {
		entries = append(entries, protocol.ServerEntry{Name: rec.Name, Rank: rec.Rank})
	}
	return &protocol.ListResponse{List: entries, Coordinator: coordinator}, nil
}

func (s *Service) handleElection(req *protocol.Envelope) (protocol.Stamped, error) {
	var in protocol.ElectionRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return &protocol.ElectionResponse{
		Status:      protocol.StatusOK,
		Coordinator: s.registry.Election(in.User),
	}, nil
}

func (s *Service) handleClock(req *protocol.Envelope) (protocol.Stamped, error) {
	var in protocol.ClockRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	return &protocol.ClockResponse{
		Time:        s.now().UnixMilli(),
		Coordinator: s.registry.Coordinator(),
	}, nil
}

func errorStatus(err error) *protocol.StatusResponse {
	code := codeInternal
	var decErr *protocol.DecodeError
	if errors.As(err, &decErr) || errors.Is(err, ErrInvalidName) {
		code = codeValidation
	}
	return &protocol.StatusResponse{Status: protocol.StatusError, Code: code, Description: err.Error()}
}

func (s *Service) reply(svc protocol.Service, payload protocol.Stamped) *protocol.Envelope {
	payload.Stamp(s.now().Unix(), s.clock.Tick())
	env, err := protocol.NewEnvelope(svc, payload)
	if err != nil {
		s.logger.Errorf("[AUTHORITY] Failed to encode %s reply: %v", svc, err)
		return s.internalError(err.Error())
	}
	return env
}

func (s *Service) internalError(description string) *protocol.Envelope {
	status := &protocol.StatusResponse{Status: protocol.StatusError, Code: codeInternal, Description: description}
	status.Stamp(s.now().Unix(), s.clock.Tick())
	env, err := protocol.NewEnvelope(protocol.ServiceInternalError, status)
	if err != nil {
		// StatusResponse holds only strings and integers.
		panic(err)
	}
	return env
}
