package httpapi

import (
	"errors"
	"net/http"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/push"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/user"
)

const (
	codeInvalidRequest     = "invalid_request"
	codeServerError        = "server_error"
	codeUnauthorized       = "unauthorized"
	codeNotFound           = "not_found"
	codeRateLimited        = "rate_limited"
	codeRequestNotFound    = "request_not_found"
	codeVerificationFailed = "passkey_verification_failed"
)

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

type errorMapping struct {
	target error
	status int
	code   string
}

// domainErrors is checked in order; the first match wins.
var domainErrors = []errorMapping{
	{auth.ErrInvalidTrustCode, http.StatusUnauthorized, "invalid_trust_code"},
	{auth.ErrUnauthorized, http.StatusUnauthorized, codeUnauthorized},
	{auth.ErrTokenExpired, http.StatusUnauthorized, codeUnauthorized},
	{auth.ErrSessionNotFound, http.StatusUnauthorized, codeUnauthorized},
	{auth.ErrNoBackup, http.StatusConflict, "no_backup"},
	{auth.ErrInvalidInput, http.StatusBadRequest, codeInvalidRequest},

	{user.ErrInvalidHandle, http.StatusBadRequest, "invalid_handle"},
	{user.ErrHandleTaken, http.StatusConflict, "handle_taken"},
	{user.ErrIdentityLimit, http.StatusConflict, "identity_limit_reached"},
	{user.ErrPrimaryIdentity, http.StatusConflict, "primary_identity"},
	{user.ErrLastIdentity, http.StatusConflict, "last_identity"},
	{user.ErrNotFound, http.StatusNotFound, codeNotFound},
	{user.ErrInvalidInput, http.StatusBadRequest, codeInvalidRequest},

	{device.ErrNotFound, http.StatusNotFound, codeNotFound},
	{device.ErrInvalidInput, http.StatusBadRequest, codeInvalidRequest},
	{push.ErrInvalidSubscription, http.StatusBadRequest, codeInvalidRequest},

	{passkey.ErrCeremonyExpired, http.StatusBadRequest, "unlock_session_expired"},
	{passkey.ErrInvalidOrigin, http.StatusBadRequest, "invalid_origin"},
	{passkey.ErrVerificationFailed, http.StatusUnauthorized, codeVerificationFailed},
	{passkey.ErrCounterRegression, http.StatusUnauthorized, codeVerificationFailed},
	{passkey.ErrLastPasskey, http.StatusConflict, "last_passkey"},
	{passkey.ErrNotFound, http.StatusNotFound, codeNotFound},
	{passkey.ErrInvalidInput, http.StatusBadRequest, codeInvalidRequest},

	{loginrequest.ErrAlreadyHandled, http.StatusConflict, "request_already_handled"},
	{loginrequest.ErrExpired, http.StatusGone, "request_expired"},
	{loginrequest.ErrNotFound, http.StatusNotFound, codeRequestNotFound},
	{loginrequest.ErrInvalidInput, http.StatusBadRequest, codeInvalidRequest},

	{oauth.ErrNotFound, http.StatusNotFound, codeNotFound},
}

// classify maps err onto an HTTP status, a stable error code and a
// description that never carries wrapped internals.
func classify(err error) (int, string, string) {
	var oe *oauth.Error
	if errors.As(err, &oe) {
		status := oe.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		return status, oe.Code, oe.Description
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.target) {
			return m.status, m.code, m.target.Error()
		}
	}
	return http.StatusInternalServerError, codeServerError, ""
}

// writeDomainError renders err through classify.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code, desc := classify(err)
	if status >= http.StatusInternalServerError {
		securelog.Error("httpapi", err)
	}
	writeJSON(w, status, errorBody{Error: code, ErrorDescription: desc})
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	if status >= http.StatusInternalServerError {
		securelog.Error("httpapi", err)
	}
	desc := ""
	if err != nil && status < http.StatusInternalServerError {
		desc = describe(err)
	}
	writeJSON(w, status, errorBody{Error: code, ErrorDescription: desc})
}

// describe keeps decode errors readable while hiding domain internals.
func describe(err error) string {
	if _, code, desc := classify(err); code != codeServerError {
		return desc
	}
	return err.Error()
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, codeInvalidRequest, err)
}
