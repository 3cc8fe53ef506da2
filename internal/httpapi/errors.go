package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"mrocore.org/internal/audit"
	"mrocore.org/internal/auth"
	"mrocore.org/internal/inventory"
	"mrocore.org/internal/locking"
	"mrocore.org/internal/obs"
	"mrocore.org/internal/ratelimit"
)

// error_code values of the error taxonomy.
const (
	codeValidation    = "validation_error"
	codeAuthorization = "authorization_error"
	codeNotFound      = "not_found"
	codeAlreadyExists = "already_exists"
	codeConflict      = "version_conflict"
	codeRateLimit     = "rate_limit_exceeded"
	codeDatabase      = "database_error"
)

// Machine codes of the {"error","code"} auth shape.
const (
	CodeAuthRequired           = "AUTH_REQUIRED"
	CodeAdminRequired          = "ADMIN_REQUIRED"
	CodePermissionRequired     = "PERMISSION_REQUIRED"
	CodeDepartmentRequired     = "DEPARTMENT_REQUIRED"
	CodeCSRFRequired           = "CSRF_TOKEN_REQUIRED"
	CodeCSRFInvalid            = "CSRF_TOKEN_INVALID"
	CodeInvalidCredentials     = "INVALID_CREDENTIALS"
	CodeAccountLocked          = "ACCOUNT_LOCKED"
	CodeTOTPRequired           = "TOTP_REQUIRED"
	CodePasswordChangeRequired = "PASSWORD_CHANGE_REQUIRED"
	CodeRateLimited            = "RATE_LIMITED"
	CodeTOTPAlreadyEnabled     = "TOTP_ALREADY_ENABLED"
	CodeTOTPNotEnabled         = "TOTP_NOT_ENABLED"
	CodeInvalidCodeFormat      = "INVALID_CODE_FORMAT"
	CodeSetupNotStarted        = "SETUP_NOT_STARTED"
	CodeInvalidCode            = "INVALID_CODE"
)

const invalidCredentialsMessage = "Invalid employee number or password"

var errBadRequest = errors.New("bad request")

// authFailure is rendered as {"error","code"} with an explicit status.
type authFailure struct {
	status int
	code   string
	msg    string
}

func (f *authFailure) Error() string { return f.code + ": " + f.msg }

func failure(status int, code, msg string) *authFailure {
	return &authFailure{status: status, code: code, msg: msg}
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts an error-returning handler. Every error, version conflicts
// included, is converted to its wire shape here and nowhere else.
func (a *API) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeFailure(w, r, err)
		}
	})
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		af       *authFailure
		conflict *locking.ConflictError
	)
	switch {
	case errors.As(err, &af):
		writeAuthError(w, af.status, af.code, af.msg)
	case errors.As(err, &conflict):
		writeConflict(w, r, conflict)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeAuthError(w, http.StatusUnauthorized, CodeInvalidCredentials, invalidCredentialsMessage)
	case errors.Is(err, auth.ErrAccountLocked):
		writeAuthError(w, http.StatusLocked, CodeAccountLocked, "Account is temporarily locked due to too many failed attempts")
	case errors.Is(err, auth.ErrInvalidToken):
		writeAuthError(w, http.StatusUnauthorized, CodeAuthRequired, "Authentication required")
	case errors.Is(err, ratelimit.ErrRateLimited):
		writeAuthError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many attempts, try again later")
	case errors.Is(err, auth.ErrTOTPAlreadyEnabled):
		writeAuthError(w, http.StatusBadRequest, CodeTOTPAlreadyEnabled, "Two-factor authentication is already enabled")
	case errors.Is(err, auth.ErrTOTPNotEnabled):
		writeAuthError(w, http.StatusBadRequest, CodeTOTPNotEnabled, "Two-factor authentication is not enabled")
	case errors.Is(err, auth.ErrTOTPCodeFormat):
		writeAuthError(w, http.StatusBadRequest, CodeInvalidCodeFormat, "Verification code must be 6 digits")
	case errors.Is(err, auth.ErrTOTPSetupMissing):
		writeAuthError(w, http.StatusBadRequest, CodeSetupNotStarted, "Two-factor setup has not been started")
	case errors.Is(err, auth.ErrTOTPInvalidCode):
		writeAuthError(w, http.StatusBadRequest, CodeInvalidCode, "Invalid verification code")
	case errors.Is(err, errBadRequest),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrPasswordReused),
		errors.Is(err, auth.ErrAdminOverride),
		errors.Is(err, inventory.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, auth.ErrSystemRole):
		writeError(w, r, http.StatusForbidden, codeAuthorization, err.Error())
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, inventory.ErrNotFound):
		writeError(w, r, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists), errors.Is(err, inventory.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, codeAlreadyExists, err.Error())
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("request_failed")
		writeError(w, r, http.StatusInternalServerError, codeDatabase, "internal error")
	}
}

type conflictDetails struct {
	CurrentVersion  int64  `json:"current_version"`
	ProvidedVersion *int64 `json:"provided_version"`
	ResourceType    string `json:"resource_type"`
	ResourceID      int64  `json:"resource_id"`
}

type conflictResponse struct {
	Error           string          `json:"error"`
	ErrorCode       string          `json:"error_code"`
	ConflictDetails conflictDetails `json:"conflict_details"`
	CurrentData     any             `json:"current_data"`
	Hint            string          `json:"hint"`
	RequestID       string          `json:"request_id,omitempty"`
}

func writeConflict(w http.ResponseWriter, r *http.Request, c *locking.ConflictError) {
	writeJSON(w, http.StatusConflict, conflictResponse{
		Error:     "Version conflict: " + c.ResourceType + " was modified by another request",
		ErrorCode: codeConflict,
		ConflictDetails: conflictDetails{
			CurrentVersion:  c.CurrentVersion,
			ProvidedVersion: c.ProvidedVersion,
			ResourceType:    c.ResourceType,
			ResourceID:      c.ResourceID,
		},
		CurrentData: c.CurrentData,
		Hint:        locking.Hint,
		RequestID:   RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error":      msg,
		"error_code": code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return fmt.Errorf("%w: unexpected data after JSON body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
