package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mrocore.org/internal/audit"
	"mrocore.org/internal/auth"
	"mrocore.org/internal/inventory"
	"mrocore.org/internal/stream"
)

const testPassword = "Sprocket42"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	t        *testing.T
	clock    *testClock
	store    *auth.MemoryStore
	codec    *auth.TokenCodec
	sessions *auth.Sessions
	rbac     *auth.RBACService
	tools    *inventory.Service
	stream   *stream.Stream
	api      *API
	server   *httptest.Server
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()
	clock := newTestClock()
	store := auth.NewMemoryStore()

	codec, err := auth.NewTokenCodec("test-secret", auth.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("token codec: %v", err)
	}
	sessions, err := auth.NewSessions(codec, store, auth.WithSecureCookies(false))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	recorder := audit.NewRecorder(store)
	authn, err := auth.NewAuthenticator(store, sessions, auth.DefaultPolicy(), recorder)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	totp, err := auth.NewTOTP(store, authn, "MRO Test")
	if err != nil {
		t.Fatalf("totp: %v", err)
	}
	rbac, err := auth.NewRBACService(store, recorder)
	if err != nil {
		t.Fatalf("rbac: %v", err)
	}
	if err := rbac.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("ensure builtins: %v", err)
	}
	overrides, err := auth.NewOverrideService(store, recorder, clock.Now)
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	events := stream.New()
	tools, err := inventory.NewService(inventory.NewInMemory(), events, recorder)
	if err != nil {
		t.Fatalf("tools: %v", err)
	}

	deps := Deps{
		Sessions:      sessions,
		Authenticator: authn,
		TOTP:          totp,
		RBAC:          rbac,
		Overrides:     overrides,
		Tools:         tools,
		Stream:        events,
		Auditor:       recorder,
		Version:       "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}
	api, err := New(deps, WithRateLimit(1000, 1000))
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		t:        t,
		clock:    clock,
		store:    store,
		codec:    codec,
		sessions: sessions,
		rbac:     rbac,
		tools:    tools,
		stream:   events,
		api:      api,
		server:   srv,
	}
}

// createUser provisions an active account with the named system roles.
func (e *testEnv) createUser(number string, admin bool, roles ...string) auth.User {
	e.t.Helper()
	ctx := context.Background()
	user, err := e.rbac.CreateUser(ctx, "", auth.NewUser{
		Name:           "User " + number,
		EmployeeNumber: number,
		Department:     "Maintenance",
		Password:       testPassword,
		IsAdmin:        admin,
	})
	if err != nil {
		e.t.Fatalf("create user %s: %v", number, err)
	}
	if len(roles) > 0 {
		ids := make([]string, 0, len(roles))
		for _, name := range roles {
			role, err := e.store.FindRoleByName(ctx, name)
			if err != nil {
				e.t.Fatalf("find role %s: %v", name, err)
			}
			ids = append(ids, role.ID)
		}
		if err := e.rbac.SetUserRoles(ctx, "", user.ID, ids); err != nil {
			e.t.Fatalf("assign roles: %v", err)
		}
	}
	return user
}

func (e *testEnv) do(method, path string, body any, cookies []*http.Cookie, headers map[string]string) *http.Response {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

type session struct {
	cookies []*http.Cookie
	body    sessionResponse
}

func (s session) csrf() map[string]string {
	return map[string]string{auth.CSRFHeader: s.body.CSRFToken}
}

func (e *testEnv) login(number, password string) session {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/api/auth/login", map[string]string{
		"employee_number": number,
		"password":        password,
	}, nil, nil)
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		e.t.Fatalf("login %s: status %d", number, resp.StatusCode)
	}
	cookies := resp.Cookies()
	body := decode[sessionResponse](e.t, resp)
	if body.AccessToken == "" {
		e.t.Fatalf("login %s: no token pair issued", number)
	}
	return session{cookies: cookies, body: body}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func cookieNamed(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func expectAuthError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["code"] != code {
		t.Fatalf("expected code %s, got %+v", code, body)
	}
	if body["error"] == "" {
		t.Fatalf("expected human message, got %+v", body)
	}
}
