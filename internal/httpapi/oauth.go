package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"net/url"

	"github.com/Avicted/sigil/internal/oauth"
)

type authorizeRequest struct {
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ResponseType        string `json:"response_type"`
	Scope               string `json:"scope"`
	IdentityID          string `json:"identity_id"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce"`
	EncryptedAppKey     string `json:"encrypted_app_key"`
}

// handleAuthorize is called by the first-party consent screen once the user
// picked an identity. The browser then follows redirectUrl to the client.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if req.ResponseType != "" && req.ResponseType != "code" {
		writeDomainError(w, &oauth.Error{
			Code:        "unsupported_response_type",
			Description: "only the code response type is supported",
			Status:      http.StatusBadRequest,
		})
		return
	}
	session := sessionFrom(r)
	redirect, err := h.oauth.Authorize(r.Context(), oauth.AuthorizeRequest{
		UserID:              session.UserID,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		IdentityID:          req.IdentityID,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		EncryptedAppKey:     req.EncryptedAppKey,
		AuthTime:            session.CreatedAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirectUrl": redirect})
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	CodeVerifier string `json:"code_verifier"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	req, err := parseTokenRequest(w, r)
	if err != nil {
		writeDomainError(w, oauthInvalidRequest(err))
		return
	}
	usedBasic := false
	if id, secret, ok := r.BasicAuth(); ok {
		if req.ClientID != "" && req.ClientSecret != "" {
			writeDomainError(w, &oauth.Error{
				Code:        oauth.ErrInvalidRequest.Code,
				Description: "client authenticated with more than one method",
				Status:      http.StatusBadRequest,
			})
			return
		}
		req.ClientID = formUnescape(id)
		req.ClientSecret = formUnescape(secret)
		usedBasic = true
	}

	resp, err := h.oauth.Exchange(r.Context(), oauth.TokenRequest{
		GrantType:    req.GrantType,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		CodeVerifier: req.CodeVerifier,
		RefreshToken: req.RefreshToken,
	})
	if err != nil {
		if usedBasic && errors.Is(err, oauth.ErrInvalidClient) {
			w.Header().Set("WWW-Authenticate", `Basic realm="sigil"`)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseTokenRequest accepts the standard form encoding and JSON.
func parseTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req tokenRequest
		err := decodeJSON(w, r, &req)
		return req, err
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return tokenRequest{}, err
	}
	return tokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}, nil
}

// formUnescape undoes the form encoding client_secret_basic applies to
// credentials before base64.
func formUnescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

func oauthInvalidRequest(err error) error {
	return &oauth.Error{
		Code:        oauth.ErrInvalidRequest.Code,
		Description: "malformed token request: " + err.Error(),
		Status:      http.StatusBadRequest,
	}
}

func (h *Handler) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if bearer == "" && r.Method == http.MethodPost {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err == nil {
			bearer = r.PostForm.Get("access_token")
		}
	}
	info, err := h.oauth.UserInfo(r.Context(), bearer)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidToken) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		}
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.oauth.Discovery())
}

func (h *Handler) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.signer.JWKS())
}
