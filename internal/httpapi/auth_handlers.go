package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"mrocore.org/internal/auth"
	"mrocore.org/internal/obs"
	"mrocore.org/internal/ratelimit"
)

type loginRequest struct {
	EmployeeNumber string `json:"employee_number"`
	Password       string `json:"password"`
}

type changePasswordRequest struct {
	EmployeeNumber  string `json:"employee_number"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// sessionResponse is returned whenever a token pair is issued.
type sessionResponse struct {
	auth.TokenPair
	User        auth.User `json:"user"`
	Permissions []string  `json:"permissions"`
	CSRFToken   string    `json:"csrf_token"`
}

type stepResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	ChallengeToken string `json:"challenge_token,omitempty"`
}

type meResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	EmployeeNumber string   `json:"employee_number"`
	Department     string   `json:"department"`
	IsAdmin        bool     `json:"is_admin"`
	Permissions    []string `json:"permissions"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) error {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	ip := clientIP(r)
	if err := a.throttle(r.Context(), w, req.EmployeeNumber, ip); err != nil {
		return err
	}
	res, err := a.authn.Login(r.Context(), req.EmployeeNumber, req.Password)
	if err != nil {
		a.loginFailed(r.Context(), err, req.EmployeeNumber, ip)
		return err
	}
	if res.Outcome == auth.LoginSuccess {
		a.loginSucceeded(r.Context(), req.EmployeeNumber)
	}
	return a.writeLoginResult(w, res)
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) error {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	ip := clientIP(r)
	if err := a.throttle(r.Context(), w, req.EmployeeNumber, ip); err != nil {
		return err
	}
	res, err := a.authn.ChangePassword(r.Context(), req.EmployeeNumber, req.CurrentPassword, req.NewPassword)
	if err != nil {
		a.loginFailed(r.Context(), err, req.EmployeeNumber, ip)
		return err
	}
	if res.Outcome == auth.LoginSuccess {
		a.loginSucceeded(r.Context(), req.EmployeeNumber)
	}
	return a.writeLoginResult(w, res)
}

func (a *API) writeLoginResult(w http.ResponseWriter, res auth.LoginResult) error {
	switch res.Outcome {
	case auth.LoginPasswordChangeRequired:
		writeJSON(w, http.StatusOK, stepResponse{
			Code:    CodePasswordChangeRequired,
			Message: "Password change required",
		})
	case auth.LoginTOTPRequired:
		writeJSON(w, http.StatusOK, stepResponse{
			Code:           CodeTOTPRequired,
			Message:        "Two-factor authentication required",
			ChallengeToken: res.Challenge,
		})
	default:
		a.writeSession(w, http.StatusOK, res.Tokens, res.User)
	}
	return nil
}

func (a *API) writeSession(w http.ResponseWriter, status int, pair auth.TokenPair, user auth.User) {
	a.sessions.SetAuthCookies(w, pair)
	writeJSON(w, status, sessionResponse{
		TokenPair:   pair,
		User:        user,
		Permissions: pair.Access.Permissions,
		CSRFToken:   a.sessions.CSRFToken(pair.Access),
	})
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) error {
	token := auth.ExtractToken(r, auth.TokenRefresh)
	if token == "" {
		return failure(http.StatusUnauthorized, CodeAuthRequired, "Refresh token required")
	}
	pair, user, err := a.sessions.RefreshAccessToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			a.sessions.ClearAuthCookies(w)
			return failure(http.StatusUnauthorized, CodeAuthRequired, "Invalid or expired refresh token")
		}
		return err
	}
	a.writeSession(w, http.StatusOK, pair, user)
	return nil
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) error {
	if claims, err := a.sessions.CurrentUser(r); err == nil && a.auditor != nil {
		ctx := auth.ContextWithClaims(r.Context(), claims)
		if err := a.auditor.Record(ctx, auth.AuditEntry{
			ActorUserID:  claims.UserID,
			Action:       "auth.logout",
			TargetUserID: claims.UserID,
			ResourceType: "user",
			ResourceID:   claims.UserID,
		}); err != nil {
			obs.Logger().WithError(err).Warn("audit_record_failed")
		}
	}
	a.sessions.ClearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
	return nil
}

func (a *API) me(w http.ResponseWriter, r *http.Request) error {
	c := claimsOf(r)
	writeJSON(w, http.StatusOK, meResponse{
		ID:             c.UserID,
		Name:           c.UserName,
		EmployeeNumber: c.EmployeeNumber,
		Department:     c.Department,
		IsAdmin:        c.IsAdmin,
		Permissions:    c.Permissions,
	})
	return nil
}

func (a *API) csrfToken(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": a.sessions.CSRFToken(claimsOf(r))})
	return nil
}

// throttle rejects callers over the login budget. A Redis outage disables
// throttling rather than logins.
func (a *API) throttle(ctx context.Context, w http.ResponseWriter, key, ip string) error {
	if a.limiter == nil {
		return nil
	}
	err := a.limiter.Check(ctx, key, ip)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrRateLimited):
		wait := a.limiter.RetryAfter(ctx, key, ip)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		obs.ObserveLogin("rate_limited")
		return err
	default:
		obs.Logger().WithError(err).Warn("login_throttle_unavailable")
		return nil
	}
}

func (a *API) loginFailed(ctx context.Context, err error, key, ip string) {
	if a.limiter == nil {
		return
	}
	if !errors.Is(err, auth.ErrInvalidCredentials) && !errors.Is(err, auth.ErrTOTPInvalidCode) {
		return
	}
	if err := a.limiter.Fail(ctx, key, ip); err != nil {
		obs.Logger().WithError(err).Warn("login_throttle_unavailable")
	}
}

func (a *API) loginSucceeded(ctx context.Context, key string) {
	if a.limiter == nil || strings.TrimSpace(key) == "" {
		return
	}
	if err := a.limiter.Reset(ctx, key); err != nil {
		obs.Logger().WithError(err).Warn("login_throttle_unavailable")
	}
}
