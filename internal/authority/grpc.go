package authority

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"replichat/internal/logging"
	"replichat/internal/protocol"
)

const (
	// ServiceName is the gRPC service name, also used for health checks.
	ServiceName = "replichat.authority.Authority"
	callMethod  = "/" + ServiceName + "/Call"
)

// AuthorityServer is implemented by Service.
type AuthorityServer interface {
	Call(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error)
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(protocol.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AuthorityServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: callMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AuthorityServer).Call(ctx, req.(*protocol.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// authorityServiceDesc exposes a single unary method carrying the
// {service, data} envelope, encoded with the msgpack codec.
var authorityServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthorityServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "authority",
}

// RegisterAuthorityServer registers srv on a gRPC server.
func RegisterAuthorityServer(s grpc.ServiceRegistrar, srv AuthorityServer) {
	s.RegisterService(&authorityServiceDesc, srv)
}

// Server hosts the authority Service and a health endpoint over gRPC.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     logging.Logger
}

func NewServer(svc AuthorityServer, logger logging.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
		logger:     logging.OrNop(logger),
	}
	RegisterAuthorityServer(s.grpcServer, svc)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	return s
}

// Serve marks the service healthy and blocks serving lis.
func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Infof("[AUTHORITY] Serving on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// Stop reports NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// Dial creates a client connection to the authority.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority client for %s: %w", addr, err)
	}
	return conn, nil
}

// GRPCCaller sends envelopes over a gRPC connection.
type GRPCCaller struct {
	conn grpc.ClientConnInterface
}

func NewGRPCCaller(conn grpc.ClientConnInterface) *GRPCCaller {
	return &GRPCCaller{conn: conn}
}

func (c *GRPCCaller) Call(ctx context.Context, req *protocol.Envelope) (*protocol.Envelope, error) {
	out := new(protocol.Envelope)
	if err := c.conn.Invoke(ctx, callMethod, req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitReady polls the health endpoint until the authority reports SERVING or
// ctx ends.
func WaitReady(ctx context.Context, conn grpc.ClientConnInterface, interval time.Duration) error {
	client := healthpb.NewHealthClient(conn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: ServiceName})
		cancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("authority not ready: %w", err)
			}
			return fmt.Errorf("authority not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
