package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"mrocore.org/internal/auth"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := srv.Server()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

type staticReadiness struct{ err error }

func (s staticReadiness) Check(context.Context) error { return s.err }

func TestGRPCHealthServing(t *testing.T) {
	env := newTestEnv(t)
	srv := NewGRPCServer(env.sessions, staticReadiness{})
	if err := srv.RefreshHealth(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	for _, svc := range []string{"", serviceName} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			t.Fatalf("check %q: %v", svc, err)
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("check %q: unexpected status %v", svc, resp.GetStatus())
		}
	}
}

func TestGRPCHealthNotServing(t *testing.T) {
	env := newTestEnv(t)
	srv := NewGRPCServer(env.sessions, staticReadiness{err: errors.New("database down")})
	if err := srv.RefreshHealth(context.Background()); err == nil {
		t.Fatal("expected readiness error")
	}
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status %v", resp.GetStatus())
	}

	srv.Shutdown()
	resp, err = healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check after shutdown: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("shutdown should mark not serving, got %v", resp.GetStatus())
	}
}

func TestGRPCAuthInterceptor(t *testing.T) {
	env := newTestEnv(t)
	srv := NewGRPCServer(env.sessions, staticReadiness{})

	pair, err := env.codec.Issue(auth.User{ID: "u-grpc", Name: "Remote"}, auth.NewPermissionSet(auth.PermToolView))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var seen *auth.Claims
	handler := func(ctx context.Context, req any) (any, error) {
		seen, _ = auth.ClaimsFromContext(ctx)
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/mrocore.v1.Tools/Get"}

	cases := []struct {
		name string
		ctx  context.Context
		want codes.Code
	}{
		{name: "no metadata", ctx: context.Background(), want: codes.Unauthenticated},
		{name: "empty token", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer ")), want: codes.Unauthenticated},
		{name: "bad token", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer junk")), want: codes.Unauthenticated},
		{name: "refresh token", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+pair.RefreshToken)), want: codes.Unauthenticated},
		{name: "bearer access", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+pair.AccessToken)), want: codes.OK},
		{name: "bare access", ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", pair.AccessToken)), want: codes.OK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			_, err := srv.unaryAuth(tc.ctx, nil, info, handler)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("code %v, want %v (%v)", got, tc.want, err)
			}
			if tc.want == codes.OK && (seen == nil || seen.UserID != "u-grpc") {
				t.Fatalf("claims not attached: %+v", seen)
			}
		})
	}

	// health checks need no token
	healthInfo := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	if _, err := srv.unaryAuth(context.Background(), nil, healthInfo, handler); err != nil {
		t.Fatalf("health should bypass auth: %v", err)
	}
}
