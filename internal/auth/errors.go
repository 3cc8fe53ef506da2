package auth

import "errors"

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrAlreadyExists  = errors.New("auth: already exists")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrSystemRole     = errors.New("auth: system roles cannot be renamed or deleted")
	ErrAdminOverride  = errors.New("auth: permission overrides cannot target admin users")
	ErrPasswordReused = errors.New("auth: password was used recently")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")

	// TOTP state machine failures.
	ErrTOTPAlreadyEnabled = errors.New("auth: two-factor authentication is already enabled")
	ErrTOTPNotEnabled     = errors.New("auth: two-factor authentication is not enabled")
	ErrTOTPSetupMissing   = errors.New("auth: two-factor setup has not been started")
	ErrTOTPCodeFormat     = errors.New("auth: verification code must be 6 digits")
	ErrTOTPInvalidCode    = errors.New("auth: invalid verification code")
)
