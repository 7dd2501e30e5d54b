package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/oauth"
	"github.com/Avicted/sigil/internal/passkey"
	"github.com/Avicted/sigil/internal/user"
)

// testStoreContract runs the same repository behaviour against any Store.
func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	users := store.Users()
	if err := users.CreateUser(ctx, user.User{ID: "user-1", CreatedAt: now}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := users.SetMasterKeyBackup(ctx, "user-1", "wrapped"); err != nil {
		t.Fatalf("SetMasterKeyBackup() error = %v", err)
	}
	if u, err := users.GetUser(ctx, "user-1"); err != nil || u.EncryptedMasterKeyBackup != "wrapped" {
		t.Fatalf("GetUser() = %+v, %v", u, err)
	}
	if _, err := users.GetUser(ctx, "user-x"); !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("expected user.ErrNotFound, got %v", err)
	}

	t.Run("identities", func(t *testing.T) {
		first := user.Identity{ID: "id-1", UserID: "user-1", Handle: "alice", DisplayName: "Alice",
			Email: "alice@example.com", IsPrimary: true, CreatedAt: now}
		second := user.Identity{ID: "id-2", UserID: "user-1", Handle: "alice_work", CreatedAt: now.Add(time.Second)}
		for _, i := range []user.Identity{first, second} {
			if err := users.CreateIdentity(ctx, i); err != nil {
				t.Fatalf("CreateIdentity(%s) error = %v", i.Handle, err)
			}
		}
		dup := user.Identity{ID: "id-3", UserID: "user-1", Handle: "alice", CreatedAt: now}
		if err := users.CreateIdentity(ctx, dup); !errors.Is(err, user.ErrHandleTaken) {
			t.Fatalf("expected ErrHandleTaken, got %v", err)
		}

		got, err := users.GetIdentityByHandle(ctx, "alice")
		if err != nil {
			t.Fatalf("GetIdentityByHandle() error = %v", err)
		}
		if got.DisplayName != "Alice" || got.Email != "alice@example.com" {
			t.Fatalf("unexpected identity: %+v", got)
		}

		if err := users.SetPrimaryIdentity(ctx, "user-1", "id-2"); err != nil {
			t.Fatalf("SetPrimaryIdentity() error = %v", err)
		}
		list, err := users.ListIdentities(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListIdentities() error = %v", err)
		}
		if len(list) != 2 || list[0].IsPrimary || !list[1].IsPrimary {
			t.Fatalf("primary not moved: %+v", list)
		}
		if err := users.SetPrimaryIdentity(ctx, "user-1", "id-missing"); !errors.Is(err, user.ErrNotFound) {
			t.Fatalf("expected user.ErrNotFound, got %v", err)
		}
		if list, _ := users.ListIdentities(ctx, "user-1"); !list[1].IsPrimary {
			t.Fatal("failed primary swap must leave the old primary in place")
		}
	})

	t.Run("devices and sessions", func(t *testing.T) {
		devices := store.Devices()
		d := device.Device{ID: "dev-1", UserID: "user-1", Fingerprint: "fp-1", Name: "Laptop", Platform: "linux", CreatedAt: now}
		if err := devices.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		idle := device.Device{ID: "dev-2", UserID: "user-1", Fingerprint: "fp-2", Name: "Old", Platform: "ios", CreatedAt: now}
		if err := devices.Create(ctx, idle); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		got, err := devices.GetByFingerprint(ctx, "user-1", "fp-1")
		if err != nil || got.ID != "dev-1" || got.Name != "Laptop" {
			t.Fatalf("GetByFingerprint() = %+v, %v", got, err)
		}
		if _, err := devices.GetByFingerprint(ctx, "user-1", "fp-9"); !errors.Is(err, device.ErrNotFound) {
			t.Fatalf("expected device.ErrNotFound, got %v", err)
		}
		if err := devices.SetPushSubscription(ctx, "dev-1", `{"endpoint":"https://push.example.com/1"}`); err != nil {
			t.Fatalf("SetPushSubscription() error = %v", err)
		}

		sessions := store.Sessions()
		live := auth.SessionRecord{ID: "sess-1", UserID: "user-1", DeviceID: "dev-1", TokenHash: "hash-1",
			CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		stale := auth.SessionRecord{ID: "sess-2", UserID: "user-1", DeviceID: "dev-2", TokenHash: "hash-2",
			CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
		for _, rec := range []auth.SessionRecord{live, stale} {
			if err := sessions.Create(ctx, rec); err != nil {
				t.Fatalf("Create session error = %v", err)
			}
		}

		active, err := devices.ListActive(ctx, "user-1", now)
		if err != nil {
			t.Fatalf("ListActive() error = %v", err)
		}
		if len(active) != 1 || active[0].ID != "dev-1" || active[0].PushSubscription == "" {
			t.Fatalf("unexpected active devices: %+v", active)
		}
		all, err := devices.ListByUser(ctx, "user-1")
		if err != nil || len(all) != 2 {
			t.Fatalf("ListByUser() = %d, %v", len(all), err)
		}

		rec, err := sessions.GetByTokenHash(ctx, "hash-1")
		if err != nil || rec.DeviceID != "dev-1" {
			t.Fatalf("GetByTokenHash() = %+v, %v", rec, err)
		}
		if err := sessions.Delete(ctx, "sess-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := sessions.GetByTokenHash(ctx, "hash-1"); !errors.Is(err, auth.ErrSessionNotFound) {
			t.Fatalf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("trust codes", func(t *testing.T) {
		codes := store.TrustCodes()
		if err := codes.ReplaceForUser(ctx, "user-1", []string{"h1", "h2", "h3"}); err != nil {
			t.Fatalf("ReplaceForUser() error = %v", err)
		}
		if err := codes.ReplaceForUser(ctx, "user-1", []string{"h4"}); err != nil {
			t.Fatalf("ReplaceForUser() error = %v", err)
		}
		list, err := codes.ListByUser(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListByUser() error = %v", err)
		}
		if len(list) != 1 || list[0].Hash != "h4" {
			t.Fatalf("replace did not drop old codes: %+v", list)
		}
	})

	t.Run("passkeys", func(t *testing.T) {
		keys := store.Passkeys()
		cred := webauthn.Credential{ID: []byte("cred-1"), PublicKey: []byte{1, 2, 3}}
		cred.Authenticator.SignCount = 3
		pk := passkey.Passkey{ID: "pk-1", UserID: "user-1", CredentialID: "Y3JlZC0x", Credential: cred, Name: "YubiKey", CreatedAt: now}
		if err := keys.Create(ctx, pk); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		cred.Authenticator.SignCount = 9
		if err := keys.UpdateAfterLogin(ctx, "pk-1", cred, now.Add(time.Minute)); err != nil {
			t.Fatalf("UpdateAfterLogin() error = %v", err)
		}
		got, err := keys.GetByCredentialID(ctx, "Y3JlZC0x")
		if err != nil {
			t.Fatalf("GetByCredentialID() error = %v", err)
		}
		if got.SignCount() != 9 || got.LastUsedAt == nil || string(got.Credential.PublicKey) != "\x01\x02\x03" {
			t.Fatalf("unexpected passkey: %+v", got)
		}
		if n, err := keys.CountByUser(ctx, "user-1"); err != nil || n != 1 {
			t.Fatalf("CountByUser() = %d, %v", n, err)
		}
		if err := keys.Delete(ctx, "user-2", "pk-1"); !errors.Is(err, passkey.ErrNotFound) {
			t.Fatalf("expected passkey.ErrNotFound deleting another user's key, got %v", err)
		}
		if err := keys.Delete(ctx, "user-1", "pk-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
	})

	t.Run("login requests", func(t *testing.T) {
		reqs := store.LoginRequests()
		req := loginrequest.LoginRequest{ID: "req-1", UserID: "user-1", RequesterPublicKey: "pub",
			Device: device.Info{Fingerprint: "fp-new", Name: "Phone", Platform: "android"},
			Status: loginrequest.StatusPending, CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)}
		if err := reqs.Create(ctx, req); err != nil {
			t.Fatalf("Create() error = %v", err)
		}

		pending, err := reqs.ListPendingByUser(ctx, "user-1", now)
		if err != nil || len(pending) != 1 {
			t.Fatalf("ListPendingByUser() = %d, %v", len(pending), err)
		}

		approval := loginrequest.Approval{ID: "req-1", EncryptedMasterKey: "ct", ApproverPublicKey: "apk", ApprovedBy: "dev-1"}
		if err := reqs.Approve(ctx, approval); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
		if err := reqs.Approve(ctx, approval); !errors.Is(err, loginrequest.ErrAlreadyHandled) {
			t.Fatalf("expected ErrAlreadyHandled on second approve, got %v", err)
		}
		if err := reqs.DeletePending(ctx, "req-1"); !errors.Is(err, loginrequest.ErrAlreadyHandled) {
			t.Fatalf("expected ErrAlreadyHandled denying approved request, got %v", err)
		}

		got, err := reqs.Get(ctx, "req-1")
		if err != nil || got.Status != loginrequest.StatusApproved || got.ApprovedByDevice != "dev-1" {
			t.Fatalf("Get() = %+v, %v", got, err)
		}
		if err := reqs.Delete(ctx, "req-1"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := reqs.Get(ctx, "req-1"); !errors.Is(err, loginrequest.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("oauth", func(t *testing.T) {
		repo := store.OAuth()
		app := oauth.App{ID: "app-1", ClientID: "client-1", Name: "Notes",
			RedirectURIs: []string{"https://notes.example.com/cb"}, AllowedScopes: []string{"openid", "offline_access"},
			AccessTokenTTL: 15 * time.Minute, RequiresE2EE: true, CreatedAt: now}
		if err := repo.CreateApp(ctx, app); err != nil {
			t.Fatalf("CreateApp() error = %v", err)
		}
		got, err := repo.GetAppByClientID(ctx, "client-1")
		if err != nil {
			t.Fatalf("GetAppByClientID() error = %v", err)
		}
		if !got.AllowsRedirect("https://notes.example.com/cb") || !got.AllowsScopes([]string{"offline_access"}) || got.AccessTokenTTL != 15*time.Minute {
			t.Fatalf("unexpected app: %+v", got)
		}

		authz := oauth.Authorization{ID: "authz-1", UserID: "user-1", AppID: "app-1", IdentityID: "id-1",
			Scopes: []string{"openid"}, EncryptedAppKey: "k1", CreatedAt: now, UpdatedAt: now}
		if err := repo.UpsertAuthorization(ctx, authz); err != nil {
			t.Fatalf("UpsertAuthorization() error = %v", err)
		}
		authz.ID = "authz-2"
		authz.EncryptedAppKey = "k2"
		authz.UpdatedAt = now.Add(time.Minute)
		if err := repo.UpsertAuthorization(ctx, authz); err != nil {
			t.Fatalf("UpsertAuthorization() error = %v", err)
		}
		stored, err := repo.GetAuthorization(ctx, "user-1", "app-1", "id-1")
		if err != nil {
			t.Fatalf("GetAuthorization() error = %v", err)
		}
		if stored.ID != "authz-1" || stored.EncryptedAppKey != "k2" {
			t.Fatalf("upsert should keep the row and update the key: %+v", stored)
		}

		base := oauth.RefreshToken{AppID: "app-1", UserID: "user-1", IdentityID: "id-1",
			Scopes: []string{"openid", "offline_access"}, FamilyID: "fam-1", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		first, second := base, base
		first.ID, first.TokenHash = "rt-1", "rth-1"
		second.ID, second.TokenHash, second.RotatedFromID = "rt-2", "rth-2", "rt-1"
		other := base
		other.ID, other.TokenHash, other.FamilyID = "rt-3", "rth-3", "fam-2"
		for _, tok := range []oauth.RefreshToken{first, second, other} {
			if err := repo.CreateRefreshToken(ctx, tok); err != nil {
				t.Fatalf("CreateRefreshToken(%s) error = %v", tok.ID, err)
			}
		}

		err = store.Tx().WithinTx(ctx, func(ctx context.Context) error {
			tok, err := repo.GetRefreshTokenForUpdate(ctx, "rth-1")
			if err != nil {
				return err
			}
			if !tok.Redeemable() {
				t.Errorf("fresh token should be redeemable")
			}
			return repo.RevokeRefreshToken(ctx, tok.ID, now)
		})
		if err != nil {
			t.Fatalf("rotate in tx: %v", err)
		}
		if err := repo.RevokeRefreshToken(ctx, "rt-1", now); !errors.Is(err, oauth.ErrNotFound) {
			t.Fatalf("expected ErrNotFound revoking twice, got %v", err)
		}

		n, err := repo.MarkFamilyReused(ctx, "fam-1", now)
		if err != nil || n != 2 {
			t.Fatalf("MarkFamilyReused() = %d, %v", n, err)
		}
		tok, err := repo.GetRefreshTokenForUpdate(ctx, "rth-2")
		if err != nil || tok.Redeemable() || tok.ReuseDetectedAt == nil {
			t.Fatalf("family member still redeemable: %+v, %v", tok, err)
		}
		tok, err = repo.GetRefreshTokenForUpdate(ctx, "rth-3")
		if err != nil || !tok.Redeemable() {
			t.Fatalf("other family affected: %+v, %v", tok, err)
		}
		if _, err := repo.GetRefreshTokenForUpdate(ctx, "rth-missing"); !errors.Is(err, oauth.ErrNotFound) {
			t.Fatalf("expected oauth.ErrNotFound, got %v", err)
		}
	})

	t.Run("delete expired", func(t *testing.T) {
		n, err := store.DeleteExpired(ctx, now)
		if err != nil {
			t.Fatalf("DeleteExpired() error = %v", err)
		}
		if n != 1 {
			t.Fatalf("DeleteExpired() = %d, want the one stale session", n)
		}
		n, err = store.DeleteExpired(ctx, now.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("DeleteExpired() error = %v", err)
		}
		if n != 3 {
			t.Fatalf("DeleteExpired() = %d, want the three refresh tokens", n)
		}
	})
}
