package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod  = 30
	totpSkew    = 1
	totpDigits  = 6
	qrImageSize = 200
)

// TOTPSetup is returned when enrollment starts. The raw secret is never exposed.
type TOTPSetup struct {
	QRCode string `json:"qr_code"`
}

// TOTP drives the second-factor state machine:
// disabled → setup started → enabled → disabled.
type TOTP struct {
	store  Store
	authn  *Authenticator
	issuer string
}

// NewTOTP wires the second-factor service to the login state machine whose
// lockout counter it shares.
func NewTOTP(store Store, authn *Authenticator, issuer string) (*TOTP, error) {
	if store == nil || authn == nil {
		return nil, errors.New("auth: store and authenticator are required")
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = "MRO Inventory"
	}
	return &TOTP{store: store, authn: authn, issuer: issuer}, nil
}

// Status reports whether the user has the second factor enabled.
func (t *TOTP) Status(ctx context.Context, userID string) (bool, error) {
	user, err := t.store.FindUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.TOTPEnabled, nil
}

// BeginSetup stores a fresh pending secret, overwriting any earlier pending one,
// and returns the provisioning QR code as a PNG data URI.
func (t *TOTP) BeginSetup(ctx context.Context, userID string) (TOTPSetup, error) {
	user, err := t.store.FindUser(ctx, userID)
	if err != nil {
		return TOTPSetup{}, err
	}
	if user.TOTPEnabled {
		return TOTPSetup{}, ErrTOTPAlreadyEnabled
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: user.EmployeeNumber,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("generate totp key: %w", err)
	}
	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return TOTPSetup{}, fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return TOTPSetup{}, fmt.Errorf("encode qr code: %w", err)
	}
	if err := t.store.SetTOTP(ctx, user.ID, key.Secret(), false); err != nil {
		return TOTPSetup{}, err
	}
	t.authn.record(ctx, "auth.totp.setup_started", user.ID, nil)
	return TOTPSetup{QRCode: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}

// ConfirmSetup enables the second factor once the user proves possession of
// the pending secret. A wrong code keeps the pending secret.
func (t *TOTP) ConfirmSetup(ctx context.Context, userID, code string) error {
	if !validCodeFormat(code) {
		return ErrTOTPCodeFormat
	}
	user, err := t.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.TOTPEnabled {
		return ErrTOTPAlreadyEnabled
	}
	if user.TOTPSecret == "" {
		return ErrTOTPSetupMissing
	}
	if !t.validate(code, user.TOTPSecret) {
		return ErrTOTPInvalidCode
	}
	if err := t.store.SetTOTP(ctx, user.ID, user.TOTPSecret, true); err != nil {
		return err
	}
	t.authn.record(ctx, "auth.totp.enabled", user.ID, nil)
	return nil
}

// VerifyLogin completes a login that ended in LoginTOTPRequired. Wrong codes
// count towards the same lockout as wrong passwords.
func (t *TOTP) VerifyLogin(ctx context.Context, challenge, code string) (LoginResult, error) {
	claims, err := t.authn.sessions.codec.Verify(challenge, TokenTOTPChallenge)
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !validCodeFormat(code) {
		return LoginResult{}, ErrTOTPCodeFormat
	}
	user, err := t.store.FindUser(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !user.IsActive || !user.TOTPEnabled || user.TOTPSecret == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.Locked(t.authn.now()) {
		return LoginResult{}, ErrAccountLocked
	}
	if !t.validate(code, user.TOTPSecret) {
		if err := t.authn.recordFailure(ctx, user.ID, "totp"); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{}, ErrTOTPInvalidCode
	}
	return t.authn.complete(ctx, user, "auth.login.success_totp")
}

// Disable turns the second factor off after re-verifying the password. A
// wrong password counts towards the login lockout.
func (t *TOTP) Disable(ctx context.Context, userID, password string) error {
	user, err := t.store.FindUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled {
		return ErrTOTPNotEnabled
	}
	if user.Locked(t.authn.now()) {
		return ErrAccountLocked
	}
	ok, _, err := VerifyPassword(user.PasswordHash, password)
	if err != nil || !ok {
		if err := t.authn.recordFailure(ctx, user.ID, "password"); err != nil {
			return err
		}
		return ErrInvalidCredentials
	}
	if err := t.store.SetTOTP(ctx, user.ID, "", false); err != nil {
		return err
	}
	t.authn.record(ctx, "auth.totp.disabled", user.ID, nil)
	return nil
}

func (t *TOTP) validate(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, t.authn.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func validCodeFormat(code string) bool {
	if len(code) != totpDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
