package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/metrics"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/token"
	"github.com/Avicted/sigil/internal/user"
	"github.com/Avicted/sigil/internal/ws"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano

	SessionCookie = ws.SessionCookie
)

// Services are the domain services behind the HTTP surface.
type Services struct {
	Users         *user.Service
	Devices       *device.Service
	Auth          *auth.Service
	Passkeys      *passkey.Service
	LoginRequests *loginrequest.Service
	OAuth         *oauth.Service
	Signer        *token.Signer
	Hub           *ws.Hub
}

type Options struct {
	// TrustCodeRate is the number of unauthenticated login attempts allowed
	// per handle and minute.
	TrustCodeRate int
	SecureCookies bool
}

type Handler struct {
	users    *user.Service
	devices  *device.Service
	auth     *auth.Service
	passkeys *passkey.Service
	requests *loginrequest.Service
	oauth    *oauth.Service
	signer   *token.Signer
	hub      *ws.Hub
	limiter  *keyedLimiter
	secure   bool
}

func NewHandler(svc Services, opts Options) *Handler {
	return &Handler{
		users:    svc.Users,
		devices:  svc.Devices,
		auth:     svc.Auth,
		passkeys: svc.Passkeys,
		requests: svc.LoginRequests,
		oauth:    svc.OAuth,
		signer:   svc.Signer,
		hub:      svc.Hub,
		limiter:  newKeyedLimiter(opts.TrustCodeRate),
		secure:   opts.SecureCookies,
	}
}

// Routes builds the router. Authenticated groups run requireSession, which
// puts the session into the request context.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(recordMetrics)

	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/.well-known/openid-configuration", h.handleDiscovery)
	r.Get("/.well-known/jwks.json", h.handleJWKS)
	r.Post("/oauth/token", h.handleToken)
	r.Get("/oauth/userinfo", h.handleUserInfo)
	r.Post("/oauth/userinfo", h.handleUserInfo)

	r.Post("/auth/register", h.handleRegister)
	r.Post("/login/start", h.handleLoginStart)
	r.Post("/login/passkey", h.handleLoginPasskey)
	r.Post("/login/request-approval", h.handleRequestApproval)
	r.Get("/login/request-status/{requestId}", h.handleRequestStatus)
	r.Post("/login/trust-code", h.handleTrustCodeLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireSession)

		r.Post("/logout", h.handleLogout)
		r.Put("/account/master-key-backup", h.handleMasterKeyBackup)
		r.Post("/account/trust-codes/regenerate", h.handleRegenerateTrustCodes)

		r.Get("/identities", h.handleListIdentities)
		r.Post("/identities", h.handleCreateIdentity)
		r.Put("/identities/{id}/primary", h.handleSetPrimaryIdentity)
		r.Delete("/identities/{id}", h.handleDeleteIdentity)

		r.Post("/passkeys/register/start", h.handlePasskeyRegisterStart)
		r.Post("/passkeys/register/finish", h.handlePasskeyRegisterFinish)
		r.Get("/passkeys", h.handleListPasskeys)
		r.Delete("/passkeys/{id}", h.handleDeletePasskey)

		r.Get("/devices", h.handleListDevices)
		r.Put("/devices/push-subscription", h.handlePushSubscription)
		r.Get("/devices/pending-requests", h.handlePendingRequests)
		r.Post("/devices/approve-request", h.handleApproveRequest)
		r.Post("/devices/deny-request", h.handleDenyRequest)

		r.Post("/oauth/authorize", h.handleAuthorize)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordMetrics counts requests by route pattern so ids in paths do not
// explode label cardinality.
func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(route, status)
	})
}

type sessionKey struct{}

func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, codeUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, session)))
	})
}

func sessionFrom(r *http.Request) auth.Session {
	s, _ := r.Context().Value(sessionKey{}).(auth.Session)
	return s
}

func (h *Handler) authenticate(r *http.Request) (auth.Session, error) {
	if h.auth == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	tok := sessionToken(r)
	if tok == "" {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return h.auth.ValidateToken(r.Context(), tok)
}

func sessionToken(r *http.Request) string {
	if tok := bearerToken(r); tok != "" {
		return tok
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, s auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
