package httpapi

import (
	"errors"
	"net/http"

	"mrocore.org/internal/auth"
)

type totpCodeRequest struct {
	Code string `json:"code"`
}

type totpVerifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

type totpDisableRequest struct {
	Password string `json:"password"`
}

func (a *API) totpSetup(w http.ResponseWriter, r *http.Request) error {
	setup, err := a.totp.BeginSetup(r.Context(), claimsOf(r).UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, setup)
	return nil
}

func (a *API) totpVerifySetup(w http.ResponseWriter, r *http.Request) error {
	var req totpCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := a.totp.ConfirmSetup(r.Context(), claimsOf(r).UserID, req.Code); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Two-factor authentication enabled",
		"enabled": true,
	})
	return nil
}

// totpVerify completes a login that answered TOTP_REQUIRED.
func (a *API) totpVerify(w http.ResponseWriter, r *http.Request) error {
	var req totpVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	// The throttle key is the challenged user; an unverifiable challenge
	// falls back to the client address alone.
	key := ""
	if c, err := a.sessions.VerifyToken(req.ChallengeToken, auth.TokenTOTPChallenge); err == nil {
		key = "id:" + c.UserID
	}
	ip := clientIP(r)
	if err := a.throttle(r.Context(), w, key, ip); err != nil {
		return err
	}
	res, err := a.totp.VerifyLogin(r.Context(), req.ChallengeToken, req.Code)
	if err != nil {
		a.loginFailed(r.Context(), err, key, ip)
		if errors.Is(err, auth.ErrTOTPInvalidCode) {
			return failure(http.StatusUnauthorized, CodeInvalidCode, "Invalid verification code")
		}
		return err
	}
	a.loginSucceeded(r.Context(), key)
	a.writeSession(w, http.StatusOK, res.Tokens, res.User)
	return nil
}

func (a *API) totpDisable(w http.ResponseWriter, r *http.Request) error {
	var req totpDisableRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := a.totp.Disable(r.Context(), claimsOf(r).UserID, req.Password); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Two-factor authentication disabled",
		"enabled": false,
	})
	return nil
}

func (a *API) totpStatus(w http.ResponseWriter, r *http.Request) error {
	enabled, err := a.totp.Status(r.Context(), claimsOf(r).UserID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	return nil
}
