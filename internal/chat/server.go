package chat

import (
	"context"
	"errors"
	"fmt"

	"replichat/internal/logging"
	"replichat/internal/transport"
)

// Server pumps requests from a Replier through a Dispatcher.
type Server struct {
	dispatcher *Dispatcher
	replier    transport.Replier
	afterReply func(ctx context.Context)
	logger     logging.Logger
}

// NewServer creates a serve loop. afterReply, if set, runs after every reply
// has been sent; the replica uses it to count requests.
func NewServer(d *Dispatcher, r transport.Replier, afterReply func(ctx context.Context), logger logging.Logger) *Server {
	return &Server{dispatcher: d, replier: r, afterReply: afterReply, logger: logging.OrNop(logger)}
}

// Serve handles requests until ctx ends or the replier closes. Every
// received request is answered before the next one is read.
func (s *Server) Serve(ctx context.Context) error {
	for {
		raw, err := s.replier.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive request: %w", err)
		}

		reply := s.dispatcher.Handle(ctx, raw)
		if err := s.replier.Send(reply); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}

		if s.afterReply != nil {
			s.afterReply(ctx)
		}
	}
}
