package httpapi

import (
	"net/http"
	"sort"
	"strings"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/obs"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

type guardStage int

const (
	stageAuthn guardStage = iota
	stageAuthz
	stageCSRF
)

// Guard is one admission requirement. Guards only run after the access token
// has been verified; check receives the verified claims.
type Guard struct {
	stage guardStage
	check func(s *auth.Sessions, r *http.Request, c *auth.Claims) *authFailure
}

// RequireAuth admits any request carrying a valid access token.
func RequireAuth() Guard {
	return Guard{stage: stageAuthn}
}

// RequireAdmin admits administrators only.
func RequireAdmin() Guard {
	return Guard{stage: stageAuthz, check: func(_ *auth.Sessions, _ *http.Request, c *auth.Claims) *authFailure {
		if c.IsAdmin {
			return nil
		}
		return failure(http.StatusForbidden, CodeAdminRequired, "Administrator access required")
	}}
}

// RequirePermission admits tokens whose snapshot holds name.
func RequirePermission(name string) Guard {
	return Guard{stage: stageAuthz, check: func(_ *auth.Sessions, _ *http.Request, c *auth.Claims) *authFailure {
		if c.HasPermission(name) {
			return nil
		}
		return failure(http.StatusForbidden, CodePermissionRequired, "Permission required: "+name)
	}}
}

// RequireAnyPermission admits tokens holding at least one of names.
func RequireAnyPermission(names ...string) Guard {
	return Guard{stage: stageAuthz, check: func(_ *auth.Sessions, _ *http.Request, c *auth.Claims) *authFailure {
		for _, n := range names {
			if c.HasPermission(n) {
				return nil
			}
		}
		return failure(http.StatusForbidden, CodePermissionRequired, "One of these permissions is required: "+strings.Join(names, ", "))
	}}
}

// RequireDepartment admits members of department. Admins bypass.
func RequireDepartment(department string) Guard {
	return Guard{stage: stageAuthz, check: func(_ *auth.Sessions, _ *http.Request, c *auth.Claims) *authFailure {
		if c.IsAdmin || c.Department == department {
			return nil
		}
		return failure(http.StatusForbidden, CodeDepartmentRequired, "Access restricted to the "+department+" department")
	}}
}

// RequireCSRF demands a valid X-CSRF-Token on state-changing methods.
func RequireCSRF() Guard {
	return Guard{stage: stageCSRF, check: func(s *auth.Sessions, r *http.Request, c *auth.Claims) *authFailure {
		if !stateChanging(r.Method) {
			return nil
		}
		token := strings.TrimSpace(r.Header.Get(auth.CSRFHeader))
		if token == "" {
			return failure(http.StatusForbidden, CodeCSRFRequired, "CSRF token required")
		}
		if !s.ValidCSRF(c, token) {
			return failure(http.StatusForbidden, CodeCSRFInvalid, "Invalid or expired CSRF token")
		}
		return nil
	}}
}

// Guard admits a request to h only if every guard passes. Evaluation order is
// fixed regardless of argument order: authentication, then authorization,
// then CSRF. A rejected request never reaches h.
func (a *API) Guard(h http.Handler, guards ...Guard) http.Handler {
	return a.Middleware(guards...)(h)
}

// Middleware is the reusable form of Guard, suitable for mux subrouters.
func (a *API) Middleware(guards ...Guard) Middleware {
	ordered := make([]Guard, 0, len(guards))
	for _, g := range guards {
		if g.check != nil {
			ordered = append(ordered, g)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].stage < ordered[j].stage })

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.sessions.CurrentUser(r)
			if err != nil {
				deny(w, failure(http.StatusUnauthorized, CodeAuthRequired, "Authentication required"))
				return
			}
			for _, g := range ordered {
				if f := g.check(a.sessions, r, claims); f != nil {
					deny(w, f)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(auth.ContextWithClaims(r.Context(), claims)))
		})
	}
}

func deny(w http.ResponseWriter, f *authFailure) {
	obs.ObserveGuardDenial(f.code)
	writeAuthError(w, f.status, f.code, f.msg)
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func claimsOf(r *http.Request) *auth.Claims {
	c, _ := auth.ClaimsFromContext(r.Context())
	return c
}
