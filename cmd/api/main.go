package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"mrocore.org/internal/audit"
	"mrocore.org/internal/auth"
	"mrocore.org/internal/config"
	"mrocore.org/internal/httpapi"
	"mrocore.org/internal/inventory"
	"mrocore.org/internal/migrate"
	"mrocore.org/internal/obs"
	"mrocore.org/internal/ratelimit"
	"mrocore.org/internal/store/pg"
	"mrocore.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const healthRefreshInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().WithError(err).Fatal("config_load_failed")
	}
	log := obs.Init(obs.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	obs.Register()
	obs.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server_failed")
	}
	log.Info("stopped")
}

type backend struct {
	auth  auth.Store
	tools inventory.Store
	db    *sql.DB
}

func openBackend(ctx context.Context, cfg *config.Config, log *logrus.Logger) (backend, error) {
	if cfg.Database.DSN == "" {
		log.Warn("database.dsn empty: using in-memory stores")
		return backend{auth: auth.NewMemoryStore(), tools: inventory.NewInMemory()}, nil
	}
	store, err := pg.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return backend{}, err
	}
	if cfg.Database.MigrateOnStart {
		if err := migrate.NewManager(store.DB()).Up(ctx); err != nil {
			_ = store.Close()
			return backend{}, err
		}
	}
	return backend{auth: store, tools: store, db: store.DB()}, nil
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	if be.db != nil {
		defer be.db.Close()
	}

	codec, err := auth.NewTokenCodec(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessions(codec, be.auth,
		auth.WithSecureCookies(cfg.Auth.CookieSecure),
		auth.WithCSRFMaxAge(cfg.Auth.CSRFMaxAge),
	)
	if err != nil {
		return err
	}
	recorder := audit.NewRecorder(be.auth)
	authn, err := auth.NewAuthenticator(be.auth, sessions, auth.Policy{
		LockoutThreshold: cfg.Auth.LockoutThreshold,
		LockoutDuration:  cfg.Auth.LockoutDuration,
		MaxPasswordAge:   cfg.Auth.MaxPasswordAge,
		PasswordHistory:  cfg.Auth.PasswordHistory,
	}, recorder)
	if err != nil {
		return err
	}
	totp, err := auth.NewTOTP(be.auth, authn, cfg.TOTP.Issuer)
	if err != nil {
		return err
	}
	rbac, err := auth.NewRBACService(be.auth, recorder)
	if err != nil {
		return err
	}
	if err := rbac.EnsureBuiltins(ctx); err != nil {
		return err
	}
	overrides, err := auth.NewOverrideService(be.auth, recorder, sessions.Now)
	if err != nil {
		return err
	}
	events := stream.New()
	tools, err := inventory.NewService(be.tools, events, recorder)
	if err != nil {
		return err
	}

	var (
		rdb     *redis.Client
		limiter *ratelimit.LoginLimiter
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewLoginLimiter(rdb, ratelimit.Config{
			MaxAttempts: cfg.Auth.LoginMaxAttempts,
			Window:      cfg.Auth.LoginWindow,
		})
	} else {
		log.Warn("redis.addr empty: login throttling disabled")
	}

	ready := httpapi.ReadyCheck{DB: be.db}
	if rdb != nil {
		ready.Redis = rdb
	}

	proxies, err := httpapi.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	api, err := httpapi.New(httpapi.Deps{
		Sessions:      sessions,
		Authenticator: authn,
		TOTP:          totp,
		RBAC:          rbac,
		Overrides:     overrides,
		Tools:         tools,
		Stream:        events,
		Limiter:       limiter,
		Auditor:       recorder,
		Ready:         ready,
		Version:       version,
	},
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithRateLimit(cfg.Server.RateBurst, cfg.Server.RatePerSec),
		httpapi.WithTrustedProxies(proxies),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// event streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	grpcAPI := httpapi.NewGRPCServer(sessions, ready)
	grpcSrv := grpcAPI.Server()
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "version": version}).Info("http_listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.WithField("addr", lis.Addr().String()).Info("grpc_listening")
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	go refreshHealth(ctx, grpcAPI)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("shutting_down")
	grpcAPI.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	return srv.Shutdown(shutdownCtx)
}

func refreshHealth(ctx context.Context, g *httpapi.GRPCServer) {
	t := time.NewTicker(healthRefreshInterval)
	defer t.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = g.RefreshHealth(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
