package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mrocore.org/internal/obs"
)

// LoginOutcome is the non-error result of a credential check.
type LoginOutcome string

const (
	LoginSuccess                LoginOutcome = "success"
	LoginTOTPRequired           LoginOutcome = "totp_required"
	LoginPasswordChangeRequired LoginOutcome = "password_change_required"
)

// LoginResult carries tokens only when Outcome is LoginSuccess. Challenge is
// set for LoginTOTPRequired and must accompany the second-factor code.
type LoginResult struct {
	Outcome   LoginOutcome
	User      User
	Tokens    TokenPair
	Challenge string
}

// Policy tunes lockout and password rules.
type Policy struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	MaxPasswordAge   time.Duration // 0 disables expiry
	PasswordHistory  int
}

// DefaultPolicy returns the stock lockout and password rules.
func DefaultPolicy() Policy {
	return Policy{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		MaxPasswordAge:   90 * 24 * time.Hour,
		PasswordHistory:  5,
	}
}

// Authenticator runs the login state machine.
type Authenticator struct {
	store    Store
	sessions *Sessions
	auditor  Auditor
	policy   Policy
}

// NewAuthenticator wires the login flow. auditor may be nil.
func NewAuthenticator(store Store, sessions *Sessions, policy Policy, auditor Auditor) (*Authenticator, error) {
	if store == nil || sessions == nil {
		return nil, errors.New("auth: store and sessions are required")
	}
	if policy.LockoutThreshold <= 0 {
		policy.LockoutThreshold = DefaultPolicy().LockoutThreshold
	}
	if policy.LockoutDuration <= 0 {
		policy.LockoutDuration = DefaultPolicy().LockoutDuration
	}
	return &Authenticator{store: store, sessions: sessions, auditor: auditor, policy: policy}, nil
}

// Login checks credentials and decides the next step.
//
// Unknown and inactive accounts fail exactly like a wrong password. A locked
// account fails with ErrAccountLocked without consulting the password.
func (a *Authenticator) Login(ctx context.Context, employeeNumber, password string) (LoginResult, error) {
	user, err := a.checkCredentials(ctx, employeeNumber, password)
	if err != nil {
		return LoginResult{}, err
	}
	if a.passwordChangeDue(user) {
		a.record(ctx, "auth.login.password_change_required", user.ID, nil)
		return LoginResult{Outcome: LoginPasswordChangeRequired, User: user}, nil
	}
	if user.TOTPEnabled {
		challenge, err := a.sessions.codec.IssueChallenge(user)
		if err != nil {
			return LoginResult{}, err
		}
		a.record(ctx, "auth.login.totp_required", user.ID, nil)
		return LoginResult{Outcome: LoginTOTPRequired, User: user, Challenge: challenge}, nil
	}
	return a.complete(ctx, user, "auth.login.success")
}

// ChangePassword rotates the password of an account identified by its
// credentials. It is the way out of LoginPasswordChangeRequired.
func (a *Authenticator) ChangePassword(ctx context.Context, employeeNumber, current, next string) (LoginResult, error) {
	user, err := a.checkCredentials(ctx, employeeNumber, current)
	if err != nil {
		return LoginResult{}, err
	}
	if err := ValidatePasswordStrength(next); err != nil {
		return LoginResult{}, err
	}
	if next == current {
		return LoginResult{}, fmt.Errorf("%w: new password must differ from the current one", ErrInvalidInput)
	}
	for _, old := range user.PasswordHistory {
		if ok, _, _ := VerifyPassword(old, next); ok {
			return LoginResult{}, ErrPasswordReused
		}
	}
	hash, err := HashPassword(next)
	if err != nil {
		return LoginResult{}, err
	}
	history := append([]string{user.PasswordHash}, user.PasswordHistory...)
	if len(history) > a.policy.PasswordHistory {
		history = history[:a.policy.PasswordHistory]
	}
	change := PasswordChange{Hash: hash, History: history, ChangedAt: a.now().UTC()}
	if err := a.store.UpdatePassword(ctx, user.ID, change); err != nil {
		return LoginResult{}, err
	}
	user.PasswordHash = change.Hash
	user.PasswordHistory = change.History
	user.PasswordChangedAt = change.ChangedAt
	user.ForcePasswordChange = false
	a.record(ctx, "auth.password.changed", user.ID, nil)

	if user.TOTPEnabled {
		challenge, err := a.sessions.codec.IssueChallenge(user)
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{Outcome: LoginTOTPRequired, User: user, Challenge: challenge}, nil
	}
	return a.complete(ctx, user, "auth.login.success")
}

// checkCredentials applies the unknown → locked → wrong password ordering and
// maintains the failed-attempt counter.
func (a *Authenticator) checkCredentials(ctx context.Context, employeeNumber, password string) (User, error) {
	employeeNumber = strings.TrimSpace(employeeNumber)
	if employeeNumber == "" || password == "" {
		verifyDummy(password)
		return User{}, ErrInvalidCredentials
	}
	user, err := a.store.FindUserByEmployeeNumber(ctx, employeeNumber)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return User{}, err
		}
		verifyDummy(password)
		obs.ObserveLogin("unknown_user")
		return User{}, ErrInvalidCredentials
	}
	if !user.IsActive {
		verifyDummy(password)
		obs.ObserveLogin("inactive")
		return User{}, ErrInvalidCredentials
	}
	now := a.now()
	if user.Locked(now) {
		obs.ObserveLogin("locked")
		return User{}, ErrAccountLocked
	}

	ok, needsRehash, err := VerifyPassword(user.PasswordHash, password)
	if err != nil {
		obs.Logger().WithError(err).WithField("user_id", user.ID).Warn("password_verify_failed")
	}
	if !ok {
		if err := a.recordFailure(ctx, user.ID, "password"); err != nil {
			return User{}, err
		}
		return User{}, ErrInvalidCredentials
	}
	if needsRehash {
		a.rehash(ctx, &user, password)
	}
	return user, nil
}

// recordFailure bumps the shared failed-login counter, locking the account at
// the threshold. Exactly one failure observes the count reaching it.
func (a *Authenticator) recordFailure(ctx context.Context, userID, factor string) error {
	now := a.now()
	lockUntil := now.Add(a.policy.LockoutDuration).UTC()
	attempts, lockedUntil, err := a.store.RecordLoginFailure(ctx, userID, a.policy.LockoutThreshold, now, lockUntil)
	if err != nil {
		return err
	}
	meta := map[string]string{"factor": factor, "attempts": fmt.Sprintf("%d", attempts)}
	if lockedUntil != nil {
		meta["locked_until"] = lockedUntil.UTC().Format(time.RFC3339)
	}
	obs.ObserveLogin("bad_" + factor)
	a.record(ctx, "auth.login.failed", userID, meta)
	if attempts == a.policy.LockoutThreshold {
		obs.Logger().WithFields(logrus.Fields{"user_id": userID, "locked_until": meta["locked_until"]}).Warn("account_locked")
		a.record(ctx, "auth.account.locked", userID, meta)
	}
	return nil
}

// complete resets the failure counter and issues a token pair.
func (a *Authenticator) complete(ctx context.Context, user User, action string) (LoginResult, error) {
	if user.FailedLoginAttempts != 0 || user.LockedUntil != nil {
		if err := a.store.ResetLoginFailures(ctx, user.ID); err != nil {
			return LoginResult{}, err
		}
		user.FailedLoginAttempts = 0
		user.LockedUntil = nil
	}
	pair, err := a.sessions.GenerateTokens(ctx, user)
	if err != nil {
		return LoginResult{}, err
	}
	obs.ObserveLogin("success")
	a.record(ctx, action, user.ID, map[string]string{"jti": pair.Access.ID})
	return LoginResult{Outcome: LoginSuccess, User: user, Tokens: pair}, nil
}

func (a *Authenticator) passwordChangeDue(user User) bool {
	if user.ForcePasswordChange {
		return true
	}
	if a.policy.MaxPasswordAge <= 0 || user.PasswordChangedAt.IsZero() {
		return false
	}
	return a.now().After(user.PasswordChangedAt.Add(a.policy.MaxPasswordAge))
}

func (a *Authenticator) rehash(ctx context.Context, user *User, password string) {
	hash, err := HashPassword(password)
	if err != nil {
		return
	}
	change := PasswordChange{
		Hash:                hash,
		History:             user.PasswordHistory,
		ChangedAt:           user.PasswordChangedAt,
		ForcePasswordChange: user.ForcePasswordChange,
	}
	if err := a.store.UpdatePassword(ctx, user.ID, change); err != nil {
		obs.Logger().WithError(err).WithField("user_id", user.ID).Warn("password_rehash_failed")
		return
	}
	user.PasswordHash = hash
}

func (a *Authenticator) now() time.Time { return a.sessions.Now() }

func (a *Authenticator) record(ctx context.Context, action, userID string, meta map[string]string) {
	recordAudit(ctx, a.auditor, a.now, AuditEntry{
		ActorUserID:  userID,
		Action:       action,
		TargetUserID: userID,
		ResourceType: "user",
		ResourceID:   userID,
		Metadata:     meta,
	})
}
