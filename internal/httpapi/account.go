package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/push"
	"github.com/Avicted/sigil/internal/user"
)

type deviceInfoRequest struct {
	Fingerprint      string          `json:"fingerprint"`
	Name             string          `json:"name"`
	Platform         string          `json:"platform"`
	PushSubscription json.RawMessage `json:"pushSubscription,omitempty"`
}

// toInfo returns the device info, validating an attached push subscription.
func (d deviceInfoRequest) toInfo() (device.Info, error) {
	sub := rawSubscription(d.PushSubscription)
	if sub != "" {
		if err := push.ValidateSubscription(sub); err != nil {
			return device.Info{}, err
		}
	}
	return device.Info{
		Fingerprint:      d.Fingerprint,
		Name:             d.Name,
		Platform:         d.Platform,
		PushSubscription: sub,
	}, nil
}

// rawSubscription accepts the subscription either as a JSON object or as a
// JSON string holding the object.
func rawSubscription(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

type identityResponse struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsPrimary   bool   `json:"isPrimary"`
	CreatedAt   string `json:"createdAt"`
}

func toIdentityResponse(i user.Identity) identityResponse {
	return identityResponse{
		ID:          i.ID,
		Handle:      i.Handle,
		DisplayName: i.DisplayName,
		Email:       i.Email,
		AvatarURL:   i.AvatarURL,
		IsPrimary:   i.IsPrimary,
		CreatedAt:   formatTime(i.CreatedAt),
	}
}

func toIdentityResponses(ids []user.Identity) []identityResponse {
	out := make([]identityResponse, 0, len(ids))
	for _, i := range ids {
		out = append(out, toIdentityResponse(i))
	}
	return out
}

type sessionResponse struct {
	UserID       string             `json:"userId"`
	DeviceID     string             `json:"deviceId"`
	SessionToken string             `json:"sessionToken"`
	ExpiresAt    string             `json:"expiresAt"`
	Identities   []identityResponse `json:"identities,omitempty"`
}

func newSessionResponse(s auth.Session, identities []user.Identity) sessionResponse {
	resp := sessionResponse{
		UserID:       string(s.UserID),
		DeviceID:     string(s.DeviceID),
		SessionToken: s.Token,
		ExpiresAt:    formatTime(s.ExpiresAt),
	}
	if len(identities) > 0 {
		resp.Identities = toIdentityResponses(identities)
	}
	return resp
}

type identityRequest struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl"`
}

func (i identityRequest) toNew() user.NewIdentity {
	return user.NewIdentity{
		Handle:      i.Handle,
		DisplayName: i.DisplayName,
		Email:       i.Email,
		AvatarURL:   i.AvatarURL,
	}
}

type registerRequest struct {
	identityRequest
	Device deviceInfoRequest `json:"device"`
}

type registerResponse struct {
	sessionResponse
	TrustCodes []string `json:"trustCodes"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	info, err := req.Device.toInfo()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	res, err := h.auth.Register(r.Context(), auth.RegisterInput{Identity: req.toNew(), Device: info})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.setSessionCookie(w, res.Session)
	writeJSON(w, http.StatusCreated, registerResponse{
		sessionResponse: newSessionResponse(res.Session, []user.Identity{res.Identity}),
		TrustCodes:      res.TrustCodes,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Revoke(r.Context(), sessionToken(r)); err != nil {
		writeDomainError(w, err)
		return
	}
	h.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

type masterKeyBackupRequest struct {
	EncryptedMasterKeyBackup string `json:"encryptedMasterKeyBackup"`
}

func (h *Handler) handleMasterKeyBackup(w http.ResponseWriter, r *http.Request) {
	var req masterKeyBackupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := h.auth.UpdateMasterKeyBackup(r.Context(), sessionFrom(r).UserID, req.EncryptedMasterKeyBackup); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegenerateTrustCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.auth.RegenerateTrustCodes(r.Context(), sessionFrom(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"trustCodes": codes})
}

func (h *Handler) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	ids, err := h.users.ListIdentities(r.Context(), sessionFrom(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]identityResponse{"identities": toIdentityResponses(ids)})
}

func (h *Handler) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	identity, err := h.users.CreateIdentity(r.Context(), sessionFrom(r).UserID, req.toNew())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toIdentityResponse(identity))
}

func (h *Handler) handleSetPrimaryIdentity(w http.ResponseWriter, r *http.Request) {
	if err := h.users.SetPrimary(r.Context(), sessionFrom(r).UserID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteIdentity(w http.ResponseWriter, r *http.Request) {
	if err := h.users.DeleteIdentity(r.Context(), sessionFrom(r).UserID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deviceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Platform    string `json:"platform,omitempty"`
	PushEnabled bool   `json:"pushEnabled"`
	Current     bool   `json:"current"`
	CreatedAt   string `json:"createdAt"`
	LastSeenAt  string `json:"lastSeenAt,omitempty"`
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	devices, err := h.devices.ListByUser(r.Context(), session.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		resp := deviceResponse{
			ID:          string(d.ID),
			Name:        d.Name,
			Platform:    d.Platform,
			PushEnabled: d.PushSubscription != "",
			Current:     d.ID == session.DeviceID,
			CreatedAt:   formatTime(d.CreatedAt),
		}
		if d.LastSeenAt != nil {
			resp.LastSeenAt = formatTime(*d.LastSeenAt)
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string][]deviceResponse{"devices": out})
}

type pushSubscriptionRequest struct {
	Subscription json.RawMessage `json:"subscription"`
}

// handlePushSubscription sets the calling device's subscription. An empty
// or null subscription opts the device out.
func (h *Handler) handlePushSubscription(w http.ResponseWriter, r *http.Request) {
	var req pushSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sub := rawSubscription(req.Subscription)
	if sub != "" {
		if err := push.ValidateSubscription(sub); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	session := sessionFrom(r)
	if err := h.devices.SetPushSubscription(r.Context(), session.UserID, session.DeviceID, sub); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
