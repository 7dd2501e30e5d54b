package passkey

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/Avicted/sigil/internal/crypto"
	"github.com/Avicted/sigil/internal/ephemeral"
	"github.com/Avicted/sigil/internal/metrics"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/user"
)

const (
	kindRegistration = "registration"
	kindLogin        = "login"

	maxNameLength = 64
)

type Config struct {
	RPID             string
	RPName           string
	Origins          []string
	UserVerification string
	CeremonyTTL      time.Duration
}

type Service struct {
	web     *webauthn.WebAuthn
	repo    Repository
	store   ephemeral.Store
	origins map[string]struct{}
	uv      protocol.UserVerificationRequirement
	ttl     time.Duration
	now     func() time.Time
	idGen   func() string
}

// ceremony is what the server remembers between begin and finish.
type ceremony struct {
	Kind    string               `json:"kind"`
	UserID  string               `json:"user_id,omitempty"`
	Session webauthn.SessionData `json:"session"`
}

func NewService(cfg Config, repo Repository, store ephemeral.Store) (*Service, error) {
	if len(cfg.Origins) == 0 {
		return nil, fmt.Errorf("%w: no allowed origins", ErrInvalidInput)
	}
	uv, err := verification(cfg.UserVerification)
	if err != nil {
		return nil, err
	}
	web, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPName,
		RPOrigins:     cfg.Origins,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: uv,
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    cfg.CeremonyTTL,
				TimeoutUVD: cfg.CeremonyTTL,
			},
			Registration: webauthn.TimeoutConfig{
				Enforce:    true,
				Timeout:    cfg.CeremonyTTL,
				TimeoutUVD: cfg.CeremonyTTL,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	origins := make(map[string]struct{}, len(cfg.Origins))
	for _, o := range cfg.Origins {
		origins[normalizeOrigin(o)] = struct{}{}
	}
	return &Service{
		web:     web,
		repo:    repo,
		store:   store,
		origins: origins,
		uv:      uv,
		ttl:     cfg.CeremonyTTL,
		now:     time.Now,
		idGen:   uuid.NewString,
	}, nil
}

func verification(v string) (protocol.UserVerificationRequirement, error) {
	switch v {
	case "", "required":
		return protocol.VerificationRequired, nil
	case "preferred":
		return protocol.VerificationPreferred, nil
	case "discouraged":
		return protocol.VerificationDiscouraged, nil
	default:
		return "", fmt.Errorf("%w: user verification %q", ErrInvalidInput, v)
	}
}

func normalizeOrigin(o string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o)), "/")
}

// BeginRegistration issues a creation challenge for owner. Existing
// credentials are excluded so an authenticator is not registered twice.
func (s *Service) BeginRegistration(ctx context.Context, owner Owner) (string, *protocol.CredentialCreation, error) {
	if owner.UserID == "" || owner.Handle == "" {
		return "", nil, ErrInvalidInput
	}
	existing, err := s.repo.ListByUser(ctx, owner.UserID)
	if err != nil {
		return "", nil, fmt.Errorf("list passkeys: %w", err)
	}
	u := newWebUser(owner, existing)

	opts := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(u.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(u.credentials).CredentialDescriptors()))
	}
	options, session, err := s.web.BeginRegistration(u, opts...)
	if err != nil {
		return "", nil, fmt.Errorf("begin registration: %w", err)
	}
	id, err := s.saveCeremony(ctx, ceremony{Kind: kindRegistration, UserID: string(owner.UserID), Session: *session})
	if err != nil {
		return "", nil, err
	}
	return id, options, nil
}

// FinishRegistration verifies the attestation in body and stores the new
// credential for userID.
func (s *Service) FinishRegistration(ctx context.Context, userID user.ID, ceremonyID string, body []byte, name, prfEncryptedMasterKey string) (pk Passkey, err error) {
	defer func() {
		metrics.PasskeyCeremoniesTotal.WithLabelValues(kindRegistration, metrics.Outcome(err)).Inc()
	}()

	name = strings.TrimSpace(name)
	if len(name) > maxNameLength {
		return Passkey{}, fmt.Errorf("%w: name too long", ErrInvalidInput)
	}
	c, err := s.takeCeremony(ctx, ceremonyID, kindRegistration)
	if err != nil {
		return Passkey{}, err
	}
	if c.UserID != string(userID) {
		return Passkey{}, ErrCeremonyExpired
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(body)
	if err != nil {
		return Passkey{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := s.checkOrigin(parsed.Response.CollectedClientData.Origin); err != nil {
		return Passkey{}, err
	}
	cred, err := s.web.CreateCredential(newWebUser(Owner{UserID: userID}, nil), c.Session, parsed)
	if err != nil {
		return Passkey{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if name == "" {
		name = "Passkey"
	}
	pk = Passkey{
		ID:                    s.idGen(),
		UserID:                userID,
		CredentialID:          encodeCredentialID(cred.ID),
		Credential:            *cred,
		Name:                  name,
		PRFEncryptedMasterKey: prfEncryptedMasterKey,
		CreatedAt:             s.now().UTC(),
	}
	if err := s.repo.Create(ctx, pk); err != nil {
		return Passkey{}, fmt.Errorf("store passkey: %w", err)
	}
	return pk, nil
}

// BeginLogin issues a request challenge with an empty allow list. When
// expected is set the assertion must come from one of that user's passkeys.
func (s *Service) BeginLogin(ctx context.Context, expected user.ID) (string, *protocol.CredentialAssertion, error) {
	options, session, err := s.web.BeginDiscoverableLogin(webauthn.WithUserVerification(s.uv))
	if err != nil {
		return "", nil, fmt.Errorf("begin login: %w", err)
	}
	id, err := s.saveCeremony(ctx, ceremony{Kind: kindLogin, UserID: string(expected), Session: *session})
	if err != nil {
		return "", nil, err
	}
	return id, options, nil
}

// FinishLogin verifies an assertion and returns the matching passkey with
// its counter advanced.
func (s *Service) FinishLogin(ctx context.Context, ceremonyID string, body []byte) (pk Passkey, err error) {
	defer func() {
		metrics.PasskeyCeremoniesTotal.WithLabelValues(kindLogin, metrics.Outcome(err)).Inc()
	}()

	c, err := s.takeCeremony(ctx, ceremonyID, kindLogin)
	if err != nil {
		return Passkey{}, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(body)
	if err != nil {
		return Passkey{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := s.checkOrigin(parsed.Response.CollectedClientData.Origin); err != nil {
		return Passkey{}, err
	}

	stored, err := s.repo.GetByCredentialID(ctx, encodeCredentialID(parsed.RawID))
	if errors.Is(err, ErrNotFound) {
		return Passkey{}, fmt.Errorf("%w: unknown credential", ErrVerificationFailed)
	}
	if err != nil {
		return Passkey{}, fmt.Errorf("load passkey: %w", err)
	}
	if c.UserID != "" && c.UserID != string(stored.UserID) {
		return Passkey{}, fmt.Errorf("%w: credential belongs to another account", ErrVerificationFailed)
	}
	if !bytes.Equal(parsed.Response.UserHandle, []byte(stored.UserID)) {
		return Passkey{}, fmt.Errorf("%w: user handle mismatch", ErrVerificationFailed)
	}

	reported := parsed.Response.AuthenticatorData.Counter
	if counterRegressed(reported, stored.SignCount()) {
		securelog.Security("passkey_clone_suspected", "passkey_id", stored.ID)
		return Passkey{}, ErrCounterRegression
	}

	handler := func(_, userHandle []byte) (webauthn.User, error) {
		owned, err := s.repo.ListByUser(ctx, user.ID(userHandle))
		if err != nil {
			return nil, err
		}
		return newWebUser(Owner{UserID: user.ID(userHandle)}, owned), nil
	}
	_, cred, err := s.web.ValidatePasskeyLogin(handler, c.Session, parsed)
	if err != nil {
		return Passkey{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	now := s.now().UTC()
	if err := s.repo.UpdateAfterLogin(ctx, stored.ID, *cred, now); err != nil {
		return Passkey{}, fmt.Errorf("update passkey: %w", err)
	}
	stored.Credential = *cred
	stored.LastUsedAt = &now
	return stored, nil
}

// counterRegressed reports a clone signal. Authenticators that never count
// report zero on every use and are accepted while the stored value is zero.
func counterRegressed(reported, stored uint32) bool {
	return (reported > 0 || stored > 0) && reported <= stored
}

func (s *Service) List(ctx context.Context, userID user.ID) ([]Passkey, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) Count(ctx context.Context, userID user.ID) (int, error) {
	return s.repo.CountByUser(ctx, userID)
}

func (s *Service) Delete(ctx context.Context, userID user.ID, id string) error {
	owned, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list passkeys: %w", err)
	}
	found := false
	for _, pk := range owned {
		if pk.ID == id {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	if len(owned) == 1 {
		return ErrLastPasskey
	}
	return s.repo.Delete(ctx, userID, id)
}

func (s *Service) checkOrigin(origin string) error {
	if _, ok := s.origins[normalizeOrigin(origin)]; !ok {
		securelog.Security("webauthn_origin_rejected")
		return ErrInvalidOrigin
	}
	return nil
}

func (s *Service) saveCeremony(ctx context.Context, c ceremony) (string, error) {
	id, err := crypto.RandomToken(32)
	if err != nil {
		return "", err
	}
	if err := ephemeral.PutJSON(ctx, s.store, ephemeral.NamespaceWebAuthn, id, c, s.ttl); err != nil {
		return "", fmt.Errorf("store ceremony: %w", err)
	}
	return id, nil
}

// takeCeremony consumes the ceremony so a challenge is answered at most once.
func (s *Service) takeCeremony(ctx context.Context, id, kind string) (ceremony, error) {
	if id == "" {
		return ceremony{}, ErrCeremonyExpired
	}
	var c ceremony
	if err := ephemeral.TakeJSON(ctx, s.store, ephemeral.NamespaceWebAuthn, id, &c); err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return ceremony{}, ErrCeremonyExpired
		}
		return ceremony{}, fmt.Errorf("load ceremony: %w", err)
	}
	if c.Kind != kind {
		return ceremony{}, ErrCeremonyExpired
	}
	return c, nil
}

func encodeCredentialID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

type webUser struct {
	owner       Owner
	credentials []webauthn.Credential
}

func newWebUser(owner Owner, passkeys []Passkey) *webUser {
	creds := make([]webauthn.Credential, 0, len(passkeys))
	for _, pk := range passkeys {
		creds = append(creds, pk.Credential)
	}
	return &webUser{owner: owner, credentials: creds}
}

func (u *webUser) WebAuthnID() []byte { return []byte(u.owner.UserID) }

func (u *webUser) WebAuthnName() string { return u.owner.Handle }

func (u *webUser) WebAuthnDisplayName() string {
	if u.owner.DisplayName != "" {
		return u.owner.DisplayName
	}
	return u.owner.Handle
}

func (u *webUser) WebAuthnIcon() string { return "" }

func (u *webUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
