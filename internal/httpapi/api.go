package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/inventory"
	"mrocore.org/internal/obs"
	"mrocore.org/internal/ratelimit"
	"mrocore.org/internal/stream"
)

const serviceName = "mrocore-api"

// ReadyCheck checks the backing stores. Nil members are skipped.
type ReadyCheck struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rc ReadyCheck) Check(ctx context.Context) error {
	if rc.DB != nil {
		if err := rc.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rc.Redis != nil {
		if err := rc.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Deps are the services exposed over HTTP. Limiter, Stream and Auditor are optional.
type Deps struct {
	Sessions      *auth.Sessions
	Authenticator *auth.Authenticator
	TOTP          *auth.TOTP
	RBAC          *auth.RBACService
	Overrides     *auth.OverrideService
	Tools         *inventory.Service
	Stream        *stream.Stream
	Limiter       *ratelimit.LoginLimiter
	Auditor       auth.Auditor
	Ready         ReadyCheck
	Version       string
}

// API is the HTTP layer.
type API struct {
	router *mux.Router

	sessions  *auth.Sessions
	authn     *auth.Authenticator
	totp      *auth.TOTP
	rbac      *auth.RBACService
	overrides *auth.OverrideService
	tools     *inventory.Service
	stream    *stream.Stream
	limiter   *ratelimit.LoginLimiter
	auditor   auth.Auditor

	readyCheck ReadyCheck
	version    string

	maxBodyBytes   int64
	rateBurst      int
	ratePerSec     int
	trustedProxies []*net.IPNet
}

// Option tunes the HTTP layer.
type Option func(*API)

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithRateLimit configures the per-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxies lists the peers allowed to set X-Forwarded-For.
func WithTrustedProxies(nets []*net.IPNet) Option {
	return func(a *API) {
		a.trustedProxies = nets
	}
}

// New builds the router.
func New(d Deps, opts ...Option) (*API, error) {
	if d.Sessions == nil || d.Authenticator == nil || d.TOTP == nil {
		return nil, errors.New("httpapi: sessions, authenticator and totp are required")
	}
	if d.RBAC == nil || d.Overrides == nil || d.Tools == nil {
		return nil, errors.New("httpapi: rbac, overrides and tools services are required")
	}
	a := &API{
		router:       mux.NewRouter(),
		sessions:     d.Sessions,
		authn:        d.Authenticator,
		totp:         d.TOTP,
		rbac:         d.RBAC,
		overrides:    d.Overrides,
		tools:        d.Tools,
		stream:       d.Stream,
		limiter:      d.Limiter,
		auditor:      d.Auditor,
		readyCheck:   d.Ready,
		version:      d.Version,
		maxBodyBytes: 1 << 20,
		rateBurst:    50,
		ratePerSec:   20,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, codeNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/info", a.Info).Methods(http.MethodGet)

	// authentication
	api.Handle("/auth/login", a.handle(a.login)).Methods(http.MethodPost)
	api.Handle("/auth/refresh", a.handle(a.refresh)).Methods(http.MethodPost)
	api.Handle("/auth/logout", a.handle(a.logout)).Methods(http.MethodPost)
	api.Handle("/auth/change-password", a.handle(a.changePassword)).Methods(http.MethodPost)
	api.Handle("/auth/me", a.Guard(a.handle(a.me), RequireAuth())).Methods(http.MethodGet)
	api.Handle("/auth/csrf-token", a.Guard(a.handle(a.csrfToken), RequireAuth())).Methods(http.MethodGet)

	// second factor
	api.Handle("/auth/totp/setup", a.Guard(a.handle(a.totpSetup), RequireAuth(), RequireCSRF())).Methods(http.MethodPost)
	api.Handle("/auth/totp/verify-setup", a.Guard(a.handle(a.totpVerifySetup), RequireAuth(), RequireCSRF())).Methods(http.MethodPost)
	api.Handle("/auth/totp/verify", a.handle(a.totpVerify)).Methods(http.MethodPost)
	api.Handle("/auth/totp/disable", a.Guard(a.handle(a.totpDisable), RequireAuth(), RequireCSRF())).Methods(http.MethodPost)
	api.Handle("/auth/totp/status", a.Guard(a.handle(a.totpStatus), RequireAuth())).Methods(http.MethodGet)

	// roles and permissions
	api.Handle("/permissions", a.Guard(a.handle(a.listPermissions), RequirePermission(auth.PermRoleManage))).Methods(http.MethodGet)
	api.Handle("/roles", a.Guard(a.handle(a.listRoles), RequirePermission(auth.PermRoleManage))).Methods(http.MethodGet)
	api.Handle("/roles", a.Guard(a.handle(a.createRole), RequireAdmin(), RequireCSRF())).Methods(http.MethodPost)
	api.Handle("/roles/{id}", a.Guard(a.handle(a.updateRole), RequireAdmin(), RequireCSRF())).Methods(http.MethodPut)
	api.Handle("/roles/{id}", a.Guard(a.handle(a.deleteRole), RequireAdmin(), RequireCSRF())).Methods(http.MethodDelete)
	api.Handle("/roles/{id}/permissions", a.Guard(a.handle(a.setRolePermissions), RequireAdmin(), RequireCSRF())).Methods(http.MethodPut)
	api.Handle("/users", a.Guard(a.handle(a.createUser), RequireAdmin(), RequireCSRF())).Methods(http.MethodPost)
	api.Handle("/users/{id}/roles", a.Guard(a.handle(a.setUserRoles), RequireAdmin(), RequireCSRF())).Methods(http.MethodPut)

	manageOverrides := []Guard{RequirePermission(auth.PermPermissionManage), RequireCSRF()}
	api.Handle("/users/{id}/permissions",
		a.Guard(a.handle(a.listOverrides), RequireAnyPermission(auth.PermUserManage, auth.PermPermissionManage))).Methods(http.MethodGet)
	api.Handle("/users/{id}/permissions", a.Guard(a.handle(a.upsertOverride), manageOverrides...)).Methods(http.MethodPost)
	api.Handle("/users/{id}/permissions", a.Guard(a.handle(a.replaceOverrides), manageOverrides...)).Methods(http.MethodPut)
	api.Handle("/users/{id}/permissions/{name}", a.Guard(a.handle(a.removeOverride), manageOverrides...)).Methods(http.MethodDelete)

	// tools
	api.Handle("/tools", a.Guard(a.handle(a.createTool), RequirePermission(auth.PermToolEdit), RequireCSRF())).Methods(http.MethodPost)
	api.Handle("/tools/{id:[0-9]+}", a.Guard(a.handle(a.getTool), RequirePermission(auth.PermToolView))).Methods(http.MethodGet)
	api.Handle("/tools/{id:[0-9]+}", a.Guard(a.handle(a.updateTool), RequirePermission(auth.PermToolEdit), RequireCSRF())).Methods(http.MethodPut)

	api.Handle("/events", a.Guard(http.HandlerFunc(a.Stream), RequireAuth())).Methods(http.MethodGet)
}

// Handler returns the fully wrapped HTTP handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.router)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = LoggingJSON(h)
	h = ClientIP(h, a.trustedProxies)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyCheck.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
