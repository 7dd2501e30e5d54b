package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/trustcode"
	"github.com/Avicted/sigil/internal/user"
)

// MemoryStore keeps everything in process memory. Transactions are
// serialized but not rolled back, which is enough for tests and local
// development.
type MemoryStore struct {
	mu  sync.Mutex
	txn memTx

	users      map[user.ID]user.User
	identities map[string]user.Identity
	devices    map[device.ID]device.Device
	sessions   map[string]auth.SessionRecord
	codes      map[string][]trustcode.Code
	passkeys   map[string]passkey.Passkey
	requests   map[string]loginrequest.LoginRequest
	apps       map[string]oauth.App
	auths      map[string]oauth.Authorization
	refresh    map[string]oauth.RefreshToken
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[user.ID]user.User),
		identities: make(map[string]user.Identity),
		devices:    make(map[device.ID]device.Device),
		sessions:   make(map[string]auth.SessionRecord),
		codes:      make(map[string][]trustcode.Code),
		passkeys:   make(map[string]passkey.Passkey),
		requests:   make(map[string]loginrequest.LoginRequest),
		apps:       make(map[string]oauth.App),
		auths:      make(map[string]oauth.Authorization),
		refresh:    make(map[string]oauth.RefreshToken),
	}
}

type memTxKey struct{}

type memTx struct {
	mu sync.Mutex
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(context.WithValue(ctx, memTxKey{}, true))
}

func (s *MemoryStore) Close(context.Context) error   { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Tx() dbx.TxRunner              { return &s.txn }

func (s *MemoryStore) Users() user.Repository                 { return memUsers{s} }
func (s *MemoryStore) Devices() device.Repository             { return memDevices{s} }
func (s *MemoryStore) Sessions() auth.SessionRepository       { return memSessions{s} }
func (s *MemoryStore) TrustCodes() trustcode.Repository       { return memTrustCodes{s} }
func (s *MemoryStore) Passkeys() passkey.Repository           { return memPasskeys{s} }
func (s *MemoryStore) LoginRequests() loginrequest.Repository { return memLoginRequests{s} }
func (s *MemoryStore) OAuth() oauth.Repository                { return memOAuth{s} }

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.sessions {
		if !now.Before(rec.ExpiresAt) {
			delete(s.sessions, id)
			n++
		}
	}
	for id, req := range s.requests {
		if req.Expired(now) {
			delete(s.requests, id)
			n++
		}
	}
	for h, t := range s.refresh {
		if !now.Before(t.ExpiresAt) {
			delete(s.refresh, h)
			n++
		}
	}
	return n, nil
}

type memUsers struct{ s *MemoryStore }

func (r memUsers) CreateUser(_ context.Context, u user.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[u.ID] = u
	return nil
}

func (r memUsers) GetUser(_ context.Context, id user.ID) (user.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (r memUsers) SetMasterKeyBackup(_ context.Context, id user.ID, blob string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.EncryptedMasterKeyBackup = blob
	r.s.users[id] = u
	return nil
}

func (r memUsers) CreateIdentity(_ context.Context, identity user.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.identities {
		if existing.Handle == identity.Handle {
			return user.ErrHandleTaken
		}
	}
	r.s.identities[identity.ID] = identity
	return nil
}

func (r memUsers) GetIdentity(_ context.Context, id string) (user.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[id]
	if !ok {
		return user.Identity{}, user.ErrNotFound
	}
	return i, nil
}

func (r memUsers) GetIdentityByHandle(_ context.Context, handle string) (user.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, i := range r.s.identities {
		if i.Handle == handle {
			return i, nil
		}
	}
	return user.Identity{}, user.ErrNotFound
}

func (r memUsers) ListIdentities(_ context.Context, userID user.ID) ([]user.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []user.Identity
	for _, i := range r.s.identities {
		if i.UserID == userID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (r memUsers) SetPrimaryIdentity(_ context.Context, userID user.ID, identityID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	target, ok := r.s.identities[identityID]
	if !ok || target.UserID != userID {
		return user.ErrNotFound
	}
	for id, i := range r.s.identities {
		if i.UserID == userID {
			i.IsPrimary = id == identityID
			r.s.identities[id] = i
		}
	}
	return nil
}

func (r memUsers) DeleteIdentity(_ context.Context, userID user.ID, identityID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[identityID]
	if !ok || i.UserID != userID {
		return user.ErrNotFound
	}
	delete(r.s.identities, identityID)
	return nil
}

type memDevices struct{ s *MemoryStore }

func (r memDevices) Create(_ context.Context, d device.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.devices[d.ID] = d
	return nil
}

func (r memDevices) GetByID(_ context.Context, id device.ID) (device.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return device.Device{}, device.ErrNotFound
	}
	return d, nil
}

func (r memDevices) GetByFingerprint(_ context.Context, userID user.ID, fingerprint string) (device.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.devices {
		if d.UserID == userID && d.Fingerprint == fingerprint {
			return d, nil
		}
	}
	return device.Device{}, device.ErrNotFound
}

func (r memDevices) Update(_ context.Context, d device.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.devices[d.ID]; !ok {
		return device.ErrNotFound
	}
	r.s.devices[d.ID] = d
	return nil
}

func sortDevices(out []device.Device) {
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
}

func (r memDevices) ListByUser(_ context.Context, userID user.ID) ([]device.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []device.Device
	for _, d := range r.s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sortDevices(out)
	return out, nil
}

func (r memDevices) ListActive(_ context.Context, userID user.ID, now time.Time) ([]device.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	active := make(map[device.ID]bool)
	for _, rec := range r.s.sessions {
		if rec.UserID == userID && rec.DeviceID != "" && now.Before(rec.ExpiresAt) {
			active[rec.DeviceID] = true
		}
	}
	var out []device.Device
	for id := range active {
		if d, ok := r.s.devices[id]; ok {
			out = append(out, d)
		}
	}
	sortDevices(out)
	return out, nil
}

func (r memDevices) SetPushSubscription(_ context.Context, id device.ID, subscription string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok {
		return device.ErrNotFound
	}
	d.PushSubscription = subscription
	r.s.devices[id] = d
	return nil
}

type memSessions struct{ s *MemoryStore }

func (r memSessions) Create(_ context.Context, rec auth.SessionRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[rec.ID] = rec
	return nil
}

func (r memSessions) GetByTokenHash(_ context.Context, tokenHash string) (auth.SessionRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, rec := range r.s.sessions {
		if rec.TokenHash == tokenHash {
			return rec, nil
		}
	}
	return auth.SessionRecord{}, auth.ErrSessionNotFound
}

func (r memSessions) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

type memTrustCodes struct{ s *MemoryStore }

func (r memTrustCodes) ListByUser(_ context.Context, userID string) ([]trustcode.Code, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return slices.Clone(r.s.codes[userID]), nil
}

func (r memTrustCodes) ReplaceForUser(_ context.Context, userID string, hashes []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	codes := make([]trustcode.Code, 0, len(hashes))
	for _, h := range hashes {
		codes = append(codes, trustcode.Code{ID: uuid.NewString(), UserID: userID, Hash: h, CreatedAt: now})
	}
	r.s.codes[userID] = codes
	return nil
}

type memPasskeys struct{ s *MemoryStore }

func (r memPasskeys) Create(_ context.Context, pk passkey.Passkey) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.passkeys[pk.ID] = pk
	return nil
}

func (r memPasskeys) GetByCredentialID(_ context.Context, credentialID string) (passkey.Passkey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, pk := range r.s.passkeys {
		if pk.CredentialID == credentialID {
			return pk, nil
		}
	}
	return passkey.Passkey{}, passkey.ErrNotFound
}

func (r memPasskeys) ListByUser(_ context.Context, userID user.ID) ([]passkey.Passkey, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []passkey.Passkey
	for _, pk := range r.s.passkeys {
		if pk.UserID == userID {
			out = append(out, pk)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (r memPasskeys) CountByUser(ctx context.Context, userID user.ID) (int, error) {
	list, err := r.ListByUser(ctx, userID)
	return len(list), err
}

func (r memPasskeys) UpdateAfterLogin(_ context.Context, id string, cred webauthn.Credential, usedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pk, ok := r.s.passkeys[id]
	if !ok {
		return passkey.ErrNotFound
	}
	pk.Credential = cred
	pk.LastUsedAt = &usedAt
	r.s.passkeys[id] = pk
	return nil
}

func (r memPasskeys) Delete(_ context.Context, userID user.ID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	pk, ok := r.s.passkeys[id]
	if !ok || pk.UserID != userID {
		return passkey.ErrNotFound
	}
	delete(r.s.passkeys, id)
	return nil
}

type memLoginRequests struct{ s *MemoryStore }

func (r memLoginRequests) Create(_ context.Context, req loginrequest.LoginRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.requests[req.ID] = req
	return nil
}

func (r memLoginRequests) Get(_ context.Context, id string) (loginrequest.LoginRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[id]
	if !ok {
		return loginrequest.LoginRequest{}, loginrequest.ErrNotFound
	}
	return req, nil
}

func (r memLoginRequests) ListPendingByUser(_ context.Context, userID user.ID, now time.Time) ([]loginrequest.LoginRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []loginrequest.LoginRequest
	for _, req := range r.s.requests {
		if req.UserID == userID && req.Status == loginrequest.StatusPending && !req.Expired(now) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (r memLoginRequests) Approve(_ context.Context, a loginrequest.Approval) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[a.ID]
	if !ok || req.Status != loginrequest.StatusPending {
		return loginrequest.ErrAlreadyHandled
	}
	req.Status = loginrequest.StatusApproved
	req.EncryptedMasterKey = a.EncryptedMasterKey
	req.ApproverPublicKey = a.ApproverPublicKey
	req.ApprovedByDevice = a.ApprovedBy
	r.s.requests[a.ID] = req
	return nil
}

func (r memLoginRequests) DeletePending(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.requests[id]
	if !ok || req.Status != loginrequest.StatusPending {
		return loginrequest.ErrAlreadyHandled
	}
	delete(r.s.requests, id)
	return nil
}

func (r memLoginRequests) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.requests[id]; !ok {
		return loginrequest.ErrNotFound
	}
	delete(r.s.requests, id)
	return nil
}

type memOAuth struct{ s *MemoryStore }

func (r memOAuth) CreateApp(_ context.Context, app oauth.App) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.apps[app.ClientID] = app
	return nil
}

func (r memOAuth) GetAppByClientID(_ context.Context, clientID string) (oauth.App, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	app, ok := r.s.apps[clientID]
	if !ok {
		return oauth.App{}, oauth.ErrNotFound
	}
	return app, nil
}

func memAuthKey(userID user.ID, appID, identityID string) string {
	return string(userID) + "\x00" + appID + "\x00" + identityID
}

func (r memOAuth) GetAuthorization(_ context.Context, userID user.ID, appID, identityID string) (oauth.Authorization, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.auths[memAuthKey(userID, appID, identityID)]
	if !ok {
		return oauth.Authorization{}, oauth.ErrNotFound
	}
	return a, nil
}

func (r memOAuth) UpsertAuthorization(_ context.Context, a oauth.Authorization) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := memAuthKey(a.UserID, a.AppID, a.IdentityID)
	if existing, ok := r.s.auths[key]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	}
	r.s.auths[key] = a
	return nil
}

func (r memOAuth) CreateRefreshToken(_ context.Context, t oauth.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.refresh[t.TokenHash] = t
	return nil
}

func (r memOAuth) GetRefreshTokenForUpdate(_ context.Context, tokenHash string) (oauth.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.refresh[tokenHash]
	if !ok {
		return oauth.RefreshToken{}, oauth.ErrNotFound
	}
	return t, nil
}

func (r memOAuth) RevokeRefreshToken(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for h, t := range r.s.refresh {
		if t.ID == id && t.RevokedAt == nil {
			t.RevokedAt = &at
			r.s.refresh[h] = t
			return nil
		}
	}
	return oauth.ErrNotFound
}

func (r memOAuth) MarkFamilyReused(_ context.Context, familyID string, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for h, t := range r.s.refresh {
		if t.FamilyID != familyID {
			continue
		}
		if t.ReuseDetectedAt == nil {
			t.ReuseDetectedAt = &at
		}
		if t.RevokedAt == nil {
			t.RevokedAt = &at
		}
		r.s.refresh[h] = t
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)
