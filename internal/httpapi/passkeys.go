package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/user"
)

type passkeyResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PRFEnabled bool   `json:"prfEnabled"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
}

func toPasskeyResponse(pk passkey.Passkey) passkeyResponse {
	resp := passkeyResponse{
		ID:         pk.ID,
		Name:       pk.Name,
		PRFEnabled: pk.PRFEncryptedMasterKey != "",
		CreatedAt:  formatTime(pk.CreatedAt),
	}
	if pk.LastUsedAt != nil {
		resp.LastUsedAt = formatTime(*pk.LastUsedAt)
	}
	return resp
}

type registrationStartResponse struct {
	CeremonyID string                       `json:"ceremonyId"`
	Options    *protocol.CredentialCreation `json:"options"`
}

// handlePasskeyRegisterStart names the credential after the primary
// identity, which is what the authenticator shows in its account picker.
func (h *Handler) handlePasskeyRegisterStart(w http.ResponseWriter, r *http.Request) {
	userID := sessionFrom(r).UserID
	identities, err := h.users.ListIdentities(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	owner := passkey.Owner{UserID: userID}
	for _, identity := range identities {
		if identity.IsPrimary {
			owner.Handle = identity.Handle
			owner.DisplayName = identity.DisplayName
			break
		}
	}
	if owner.Handle == "" {
		writeDomainError(w, user.ErrNotFound)
		return
	}
	id, options, err := h.passkeys.BeginRegistration(r.Context(), owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationStartResponse{CeremonyID: id, Options: options})
}

type registrationFinishRequest struct {
	CeremonyID            string          `json:"ceremonyId"`
	Credential            json.RawMessage `json:"credential"`
	Name                  string          `json:"name"`
	PRFEncryptedMasterKey string          `json:"prfEncryptedMasterKey"`
}

func (h *Handler) handlePasskeyRegisterFinish(w http.ResponseWriter, r *http.Request) {
	var req registrationFinishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.CeremonyID == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, nil)
		return
	}
	pk, err := h.passkeys.FinishRegistration(r.Context(), sessionFrom(r).UserID, req.CeremonyID, req.Credential, req.Name, req.PRFEncryptedMasterKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPasskeyResponse(pk))
}

func (h *Handler) handleListPasskeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.passkeys.List(r.Context(), sessionFrom(r).UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]passkeyResponse, 0, len(keys))
	for _, pk := range keys {
		out = append(out, toPasskeyResponse(pk))
	}
	writeJSON(w, http.StatusOK, map[string][]passkeyResponse{"passkeys": out})
}

func (h *Handler) handleDeletePasskey(w http.ResponseWriter, r *http.Request) {
	if err := h.passkeys.Delete(r.Context(), sessionFrom(r).UserID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
