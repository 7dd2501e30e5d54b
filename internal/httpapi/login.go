package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/metrics"
	"github.com/Avicted/sigil/internal/user"
)

type loginStartRequest struct {
	Handle string `json:"handle"`
}

type identitySummary struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type loginStartResponse struct {
	Identity      *identitySummary              `json:"identity,omitempty"`
	HasPasskey    bool                          `json:"hasPasskey"`
	AuthSessionID string                        `json:"authSessionId,omitempty"`
	Options       *protocol.CredentialAssertion `json:"options,omitempty"`
}

// handleLoginStart resolves the handle the user typed and, when the account
// has passkeys, opens an assertion ceremony scoped to it. Without a handle
// it opens a discoverable ceremony.
func (h *Handler) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	var req loginStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	var resp loginStartResponse
	var expected user.ID
	if handle := strings.TrimSpace(req.Handle); handle != "" {
		identity, err := h.users.GetByHandle(r.Context(), handle)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp.Identity = &identitySummary{
			Handle:      identity.Handle,
			DisplayName: identity.DisplayName,
			AvatarURL:   identity.AvatarURL,
		}
		count, err := h.passkeys.Count(r.Context(), identity.UserID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if count == 0 {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		expected = identity.UserID
	}

	id, options, err := h.passkeys.BeginLogin(r.Context(), expected)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp.HasPasskey = expected != ""
	resp.AuthSessionID = id
	resp.Options = options
	writeJSON(w, http.StatusOK, resp)
}

type passkeyLoginRequest struct {
	AuthSessionID string            `json:"authSessionId"`
	Credential    json.RawMessage   `json:"credential"`
	Device        deviceInfoRequest `json:"device"`
}

type passkeyLoginResponse struct {
	sessionResponse
	PRFEncryptedMasterKey string `json:"prfEncryptedMasterKey,omitempty"`
}

func (h *Handler) handleLoginPasskey(w http.ResponseWriter, r *http.Request) {
	var req passkeyLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.AuthSessionID == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, nil)
		return
	}
	info, err := req.Device.toInfo()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	pk, err := h.passkeys.FinishLogin(r.Context(), req.AuthSessionID, req.Credential)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	session, _, err := h.auth.Issue(r.Context(), pk.UserID, info)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	identities, err := h.users.ListIdentities(r.Context(), pk.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, passkeyLoginResponse{
		sessionResponse:       newSessionResponse(session, identities),
		PRFEncryptedMasterKey: pk.PRFEncryptedMasterKey,
	})
}

type trustCodeLoginRequest struct {
	Handle string            `json:"handle"`
	Code   string            `json:"code"`
	Device deviceInfoRequest `json:"device"`
}

type trustCodeLoginResponse struct {
	sessionResponse
	EncryptedMasterKeyBackup string `json:"encryptedMasterKeyBackup"`
}

func (h *Handler) handleTrustCodeLogin(w http.ResponseWriter, r *http.Request) {
	var req trustCodeLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if !h.allowLogin(r, req.Handle) {
		metrics.TrustCodeLoginsTotal.WithLabelValues(codeRateLimited).Inc()
		writeError(w, http.StatusTooManyRequests, codeRateLimited, nil)
		return
	}
	info, err := req.Device.toInfo()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := h.auth.LoginWithTrustCode(r.Context(), req.Handle, req.Code, info)
	metrics.TrustCodeLoginsTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.setSessionCookie(w, res.Session)
	writeJSON(w, http.StatusOK, trustCodeLoginResponse{
		sessionResponse:          newSessionResponse(res.Session, res.Identities),
		EncryptedMasterKeyBackup: res.EncryptedMasterKeyBackup,
	})
}

type requestApprovalRequest struct {
	Handle             string            `json:"handle"`
	RequesterPublicKey string            `json:"requesterPublicKey"`
	Device             deviceInfoRequest `json:"device"`
}

type requestApprovalResponse struct {
	RequestID string `json:"requestId"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *Handler) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req requestApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if !h.allowLogin(r, req.Handle) {
		writeError(w, http.StatusTooManyRequests, codeRateLimited, nil)
		return
	}
	info, err := req.Device.toInfo()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	created, err := h.requests.Create(r.Context(), req.Handle, req.RequesterPublicKey, info)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestApprovalResponse{
		RequestID: created.ID,
		ExpiresAt: formatTime(created.ExpiresAt),
	})
}

type requestStatusResponse struct {
	Status             loginrequest.Status `json:"status"`
	ExpiresAt          string              `json:"expiresAt,omitempty"`
	EncryptedMasterKey string              `json:"encryptedMasterKey,omitempty"`
	ApproverPublicKey  string              `json:"approverPublicKey,omitempty"`
	*sessionResponse
}

// handleRequestStatus is polled by the requesting device. The approved
// answer is delivered once; later polls get request_not_found.
func (h *Handler) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.requests.Status(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := requestStatusResponse{Status: res.Status}
	if res.Status != loginrequest.StatusApproved {
		resp.ExpiresAt = formatTime(res.ExpiresAt)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	session := auth.Session{
		Token:     res.SessionToken,
		UserID:    res.UserID,
		DeviceID:  res.DeviceID,
		ExpiresAt: res.SessionExpiresAt,
	}
	sr := newSessionResponse(session, res.Identities)
	resp.ExpiresAt = sr.ExpiresAt
	resp.EncryptedMasterKey = res.EncryptedMasterKey
	resp.ApproverPublicKey = res.ApproverPublicKey
	resp.sessionResponse = &sr
	h.setSessionCookie(w, session)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	pending, err := h.requests.ListPending(r.Context(), sessionFrom(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]loginrequest.Summary, 0, len(pending))
	for _, req := range pending {
		out = append(out, req.Summary())
	}
	writeJSON(w, http.StatusOK, map[string][]loginrequest.Summary{"requests": out})
}

type approveRequest struct {
	RequestID          string `json:"requestId"`
	EncryptedMasterKey string `json:"encryptedMasterKey"`
	ApproverPublicKey  string `json:"approverPublicKey"`
}

func (h *Handler) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	err := h.requests.Approve(r.Context(), sessionFrom(r), req.RequestID, req.EncryptedMasterKey, req.ApproverPublicKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type denyRequest struct {
	RequestID string `json:"requestId"`
}

func (h *Handler) handleDenyRequest(w http.ResponseWriter, r *http.Request) {
	var req denyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := h.requests.Deny(r.Context(), sessionFrom(r), req.RequestID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
