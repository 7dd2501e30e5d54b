package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"nhooyr.io/websocket"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/crypto"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/ephemeral"
	"github.com/Avicted/sigil/internal/httpapi"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/notify"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/securestore"
	"github.com/Avicted/sigil/internal/storage"
	"github.com/Avicted/sigil/internal/token"
	"github.com/Avicted/sigil/internal/trustcode"
	"github.com/Avicted/sigil/internal/user"
	"github.com/Avicted/sigil/internal/ws"
)

const (
	issuer   = "https://id.sigil.test"
	audience = "sigil-resources"
	verifier = "e2e-verifier-0123456789-abcdefghijklmnopqrstuvwxyz"
)

type identity struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

type session struct {
	UserID       string     `json:"userId"`
	DeviceID     string     `json:"deviceId"`
	SessionToken string     `json:"sessionToken"`
	Identities   []identity `json:"identities"`
	TrustCodes   []string   `json:"trustCodes"`
}

type requestStatus struct {
	session
	Status             string `json:"status"`
	EncryptedMasterKey string `json:"encryptedMasterKey"`
	ApproverPublicKey  string `json:"approverPublicKey"`
}

type wsMessage struct {
	Type    string               `json:"type"`
	Request loginrequest.Summary `json:"request"`
	loginrequest.StatusUpdate
}

type server struct {
	t   *testing.T
	url string
}

func TestE2E_DeviceApprovalOverWebSocket(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, ctx, startPostgres(t, ctx), startRedis(t, ctx))

	alice := srv.register("alice", "fp-laptop")
	trusted := connectWS(t, ctx, srv.url+"/ws", alice.SessionToken)
	defer trusted.Close(websocket.StatusNormalClosure, "bye")

	requester, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	var created struct {
		RequestID string `json:"requestId"`
	}
	srv.call(http.MethodPost, "/login/request-approval", "", map[string]any{
		"handle":             "alice",
		"requesterPublicKey": requester.PublicBase64(),
		"device":             map[string]string{"fingerprint": "fp-phone", "name": "Phone"},
	}, http.StatusCreated, &created)

	waiting := connectWS(t, ctx, srv.url+"/ws?request_id="+url.QueryEscape(created.RequestID), "")
	defer waiting.Close(websocket.StatusNormalClosure, "bye")

	prompt := readMessage(t, trusted, ws.TypeLoginRequest)
	if prompt.Request.ID != created.RequestID || prompt.Request.RequesterPublicKey != requester.PublicBase64() {
		t.Fatalf("login request event = %+v", prompt.Request)
	}

	masterKey := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	approver, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	requesterPub, err := crypto.ParsePublicKey(prompt.Request.RequesterPublicKey)
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	sealed, err := crypto.SealMasterKey(approver.Private, requesterPub, created.RequestID, masterKey)
	if err != nil {
		t.Fatalf("SealMasterKey() error = %v", err)
	}
	srv.call(http.MethodPost, "/devices/approve-request", alice.SessionToken, map[string]string{
		"requestId":          created.RequestID,
		"encryptedMasterKey": sealed,
		"approverPublicKey":  approver.PublicBase64(),
	}, http.StatusNoContent, nil)

	update := readMessage(t, waiting, ws.TypeLoginRequestStatus)
	if update.Status != loginrequest.StatusApproved || update.EncryptedMasterKey != sealed {
		t.Fatalf("status event = %+v", update.StatusUpdate)
	}

	var status requestStatus
	srv.call(http.MethodGet, "/login/request-status/"+created.RequestID, "", nil, http.StatusOK, &status)
	if status.SessionToken == "" || status.UserID != alice.UserID || status.DeviceID == alice.DeviceID {
		t.Fatalf("approved status = %+v", status)
	}
	approverPub, err := crypto.ParsePublicKey(status.ApproverPublicKey)
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}
	recovered, err := crypto.OpenMasterKey(requester.Private, approverPub, created.RequestID, status.EncryptedMasterKey)
	if err != nil {
		t.Fatalf("OpenMasterKey() error = %v", err)
	}
	if !bytes.Equal(recovered, masterKey) {
		t.Fatal("recovered master key differs")
	}

	var devices struct {
		Devices []struct {
			ID string `json:"id"`
		} `json:"devices"`
	}
	srv.call(http.MethodGet, "/devices", status.SessionToken, nil, http.StatusOK, &devices)
	if len(devices.Devices) != 2 {
		t.Fatalf("devices = %+v", devices.Devices)
	}
}

func TestE2E_TrustCodeRecovery(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, ctx, startPostgres(t, ctx), "")

	alice := srv.register("alice", "fp-laptop")
	masterKey := bytes.Repeat([]byte{0x07}, crypto.KeySize)
	blob := backupBlob(t, masterKey)
	srv.call(http.MethodPut, "/account/master-key-backup", alice.SessionToken,
		map[string]string{"encryptedMasterKeyBackup": blob}, http.StatusNoContent, nil)

	var login struct {
		session
		EncryptedMasterKeyBackup string `json:"encryptedMasterKeyBackup"`
	}
	srv.call(http.MethodPost, "/login/trust-code", "", map[string]any{
		"handle":    "alice",
		"code": strings.ToLower(alice.TrustCodes[1]),
		"device":    map[string]string{"fingerprint": "fp-new"},
	}, http.StatusOK, &login)
	if login.EncryptedMasterKeyBackup != blob || login.UserID != alice.UserID {
		t.Fatalf("trust code login = %+v", login)
	}

	srv.call(http.MethodPost, "/login/trust-code", "", map[string]any{
		"handle":    "alice",
		"code": "AAAA-BBBB-CCCC",
		"device":    map[string]string{"fingerprint": "fp-other"},
	}, http.StatusUnauthorized, nil)
}

func TestE2E_OIDCAuthorizationCode(t *testing.T) {
	ctx := context.Background()
	srv := startServer(t, ctx, startPostgres(t, ctx), startRedis(t, ctx))
	svc := srv.oauthService()

	app, _, err := svc.CreateApp(ctx, oauth.NewApp{
		Name:         "Notes",
		RedirectURIs: []string{"https://notes.example.com/cb"},
		Scopes:       []string{oauth.ScopeOpenID, oauth.ScopeProfile, oauth.ScopeOfflineAccess},
	})
	if err != nil {
		t.Fatalf("CreateApp() error = %v", err)
	}
	alice := srv.register("alice", "fp-laptop")

	var authz struct {
		RedirectURL string `json:"redirectUrl"`
	}
	srv.call(http.MethodPost, "/oauth/authorize", alice.SessionToken, map[string]string{
		"client_id":             app.ClientID,
		"redirect_uri":          "https://notes.example.com/cb",
		"response_type":         "code",
		"scope":                 "openid profile offline_access",
		"identity_id":           alice.Identities[0].ID,
		"state":                 "s1",
		"nonce":                 "n1",
		"code_challenge":        oauth.S256Challenge(verifier),
		"code_challenge_method": oauth.MethodS256,
	}, http.StatusOK, &authz)
	redirect, err := url.Parse(authz.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}

	tokens := srv.token(url.Values{
		"grant_type":    {oauth.GrantAuthorizationCode},
		"code":          {redirect.Query().Get("code")},
		"redirect_uri":  {"https://notes.example.com/cb"},
		"client_id":     {app.ClientID},
		"code_verifier": {verifier},
	}, http.StatusOK)

	var jwks jose.JSONWebKeySet
	srv.call(http.MethodGet, "/.well-known/jwks.json", "", nil, http.StatusOK, &jwks)
	parsed, err := josejwt.ParseSigned(tokens.IDToken, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		t.Fatalf("parse id token: %v", err)
	}
	keys := jwks.Key(parsed.Headers[0].KeyID)
	if len(keys) != 1 {
		t.Fatalf("jwks has no key %q", parsed.Headers[0].KeyID)
	}
	var claims struct {
		josejwt.Claims
		Nonce string `json:"nonce"`
	}
	if err := parsed.Claims(keys[0].Key, &claims); err != nil {
		t.Fatalf("verify id token: %v", err)
	}
	if err := claims.Validate(josejwt.Expected{Issuer: issuer, AnyAudience: josejwt.Audience{app.ClientID}, Time: time.Now()}); err != nil {
		t.Fatalf("id token claims: %v", err)
	}
	if claims.Subject != alice.Identities[0].ID || claims.Nonce != "n1" {
		t.Fatalf("id token sub=%q nonce=%q", claims.Subject, claims.Nonce)
	}

	rotated := srv.token(url.Values{
		"grant_type":    {oauth.GrantRefreshToken},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {app.ClientID},
	}, http.StatusOK)
	if rotated.RefreshToken == "" || rotated.RefreshToken == tokens.RefreshToken {
		t.Fatal("expected a rotated refresh token")
	}
	srv.token(url.Values{
		"grant_type":    {oauth.GrantRefreshToken},
		"refresh_token": {tokens.RefreshToken},
		"client_id":     {app.ClientID},
	}, http.StatusBadRequest)
	srv.token(url.Values{
		"grant_type":    {oauth.GrantRefreshToken},
		"refresh_token": {rotated.RefreshToken},
		"client_id":     {app.ClientID},
	}, http.StatusBadRequest)
}

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t) // skips when docker is not available

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "sigil",
				"POSTGRES_PASSWORD": "sigil",
				"POSTGRES_DB":       "sigil",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://sigil:sigil@%s:%s/sigil?sslmode=disable", host, port.Port())
}

func startRedis(t *testing.T, ctx context.Context) string {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	return fmt.Sprintf("redis://%s:%s/0", host, port.Port())
}

type e2eServer struct {
	server
	store  *storage.PostgresStore
	eph    ephemeral.Store
	signer *token.Signer
}

// startServer wires the services the way the sigil binary does. An empty
// redisURL keeps ephemeral state in process.
func startServer(t *testing.T, ctx context.Context, dbURL, redisURL string) *e2eServer {
	t.Helper()

	fields, err := securestore.NewFieldCrypto(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("field crypto: %v", err)
	}
	store, err := storage.NewPostgresStore(ctx, dbURL, fields)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var eph ephemeral.Store = ephemeral.NewMemoryStore()
	if redisURL != "" {
		rs, err := ephemeral.OpenRedis(ctx, redisURL)
		if err != nil {
			t.Fatalf("open redis: %v", err)
		}
		t.Cleanup(func() { _ = rs.Close() })
		eph = rs
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := token.NewSigner(key, "e2e", issuer, audience)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	users := user.NewService(store.Users(), store.Tx())
	devices := device.NewService(store.Devices())
	authService := auth.NewService(users, devices, trustcode.NewService(store.TrustCodes()), store.Sessions(), store.Tx(), time.Hour)
	passkeys, err := passkey.NewService(passkey.Config{
		RPID:             "sigil.test",
		RPName:           "Sigil",
		Origins:          []string{"https://sigil.test"},
		UserVerification: "required",
		CeremonyTTL:      5 * time.Minute,
	}, store.Passkeys(), eph)
	if err != nil {
		t.Fatalf("passkey service: %v", err)
	}

	hub := ws.NewHub(authService)
	hubCtx, cancel := context.WithCancel(ctx)
	go hub.Run(hubCtx)

	requests := loginrequest.NewService(store.LoginRequests(), users, authService, notify.NewFanout(hub, devices, nil), store.Tx(), 5*time.Minute)
	oauthService := oauth.NewService(store.OAuth(), eph, signer, users, store.Tx(), oauth.Config{})

	api := httpapi.NewHandler(httpapi.Services{
		Users:         users,
		Devices:       devices,
		Auth:          authService,
		Passkeys:      passkeys,
		LoginRequests: requests,
		OAuth:         oauthService,
		Signer:        signer,
		Hub:           hub,
	}, httpapi.Options{TrustCodeRate: 20})

	srv := httptest.NewServer(api.Routes())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &e2eServer{
		server: server{t: t, url: srv.URL},
		store:  store,
		eph:    eph,
		signer: signer,
	}
}

// oauthService gives tests a handle for registering clients, which has no
// HTTP route.
func (s *e2eServer) oauthService() *oauth.Service {
	return oauth.NewService(s.store.OAuth(), s.eph, s.signer, user.NewService(s.store.Users(), s.store.Tx()), s.store.Tx(), oauth.Config{})
}

func (s server) call(method, path, bearer string, body any, wantStatus int, out any) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("marshal %s: %v", path, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		s.t.Fatalf("request %s: %v", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	s.do(req, wantStatus, out)
}

func (s server) do(req *http.Request, wantStatus int, out any) {
	s.t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		s.t.Fatalf("%s %s status = %d, want %d: %s", req.Method, req.URL.Path, resp.StatusCode, wantStatus, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			s.t.Fatalf("decode %s: %v", req.URL.Path, err)
		}
	}
}

func (s server) register(handle, fingerprint string) session {
	s.t.Helper()
	var out session
	s.call(http.MethodPost, "/auth/register", "", map[string]any{
		"handle":      handle,
		"displayName": strings.ToUpper(handle[:1]) + handle[1:],
		"device":      map[string]string{"fingerprint": fingerprint, "name": "Laptop"},
	}, http.StatusCreated, &out)
	if out.SessionToken == "" || len(out.TrustCodes) == 0 || len(out.Identities) != 1 {
		s.t.Fatalf("register %s = %+v", handle, out)
	}
	return out
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

func (s server) token(form url.Values, wantStatus int) tokenResponse {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.url+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		s.t.Fatalf("token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var out tokenResponse
	if wantStatus == http.StatusOK {
		s.do(req, wantStatus, &out)
	} else {
		s.do(req, wantStatus, nil)
	}
	return out
}

func connectWS(t *testing.T, ctx context.Context, httpURL, bearer string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(httpURL, "http://", "ws://", 1)
	opts := &websocket.DialOptions{}
	if bearer != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + bearer}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, wsURL, opts)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, msgType string) wsMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, data, err := conn.Read(ctx)
		cancel()
		if err != nil {
			continue
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message within deadline", msgType)
	return wsMessage{}
}

func backupBlob(t *testing.T, masterKey []byte) string {
	t.Helper()
	parts := make([]string, 0, trustcode.DefaultSize)
	for i := 0; i < trustcode.DefaultSize; i++ {
		key := make([]byte, crypto.KeySize)
		if _, err := rand.Read(key); err != nil {
			t.Fatalf("rand: %v", err)
		}
		ct, err := crypto.SealWithKey(key, masterKey)
		if err != nil {
			t.Fatalf("SealWithKey() error = %v", err)
		}
		parts = append(parts, ct)
	}
	blob := strings.Join(parts, ".")
	if _, err := base64.StdEncoding.DecodeString(parts[0]); err != nil {
		t.Fatalf("backup segment is not base64: %v", err)
	}
	return blob
}
