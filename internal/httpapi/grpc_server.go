package httpapi

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/obs"
)

const healthMethodPrefix = "/grpc.health.v1.Health/"

// GRPCServer exposes the standard health service and authenticates every
// other call with an access token from the authorization metadata.
type GRPCServer struct {
	sessions  *auth.Sessions
	readiness readinessChecker
	health    *health.Server
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(sessions *auth.Sessions, r readinessChecker) *GRPCServer {
	return &GRPCServer{
		sessions:  sessions,
		readiness: r,
		health:    health.NewServer(),
	}
}

// Server builds a grpc.Server with the auth interceptors and the health service registered.
func (s *GRPCServer) Server(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(s.unaryAuth),
		grpc.ChainStreamInterceptor(s.streamAuth),
	)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s.health)
	return srv
}

// RefreshHealth runs the readiness check and publishes the result.
func (s *GRPCServer) RefreshHealth(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Logger().WithError(err).Warn("grpc_not_ready")
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
	return err
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

func (s *GRPCServer) authenticate(ctx context.Context, method string) (context.Context, error) {
	if strings.HasPrefix(method, healthMethodPrefix) {
		return ctx, nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	var token string
	if values := md.Get("authorization"); len(values) > 0 {
		token = strings.TrimSpace(values[0])
		if len(token) > len("bearer ") && strings.EqualFold(token[:len("bearer ")], "bearer ") {
			token = strings.TrimSpace(token[len("bearer "):])
		}
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}
	claims, err := s.sessions.VerifyToken(token, auth.TokenAccess)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return auth.ContextWithClaims(ctx, claims), nil
}

func (s *GRPCServer) unaryAuth(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.authenticate(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

func (s *GRPCServer) streamAuth(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authenticate(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
}
