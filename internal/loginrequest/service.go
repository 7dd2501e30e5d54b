package loginrequest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/crypto"
	"github.com/Avicted/sigil/internal/dbx"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/metrics"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/user"
)

const (
	DefaultTTL = 5 * time.Minute

	requestIDBytes         = 32
	maxMasterKeyCiphertext = 4096
)

type Identities interface {
	GetByHandle(ctx context.Context, handle string) (user.Identity, error)
	ListIdentities(ctx context.Context, userID user.ID) ([]user.Identity, error)
}

type SessionIssuer interface {
	Issue(ctx context.Context, userID user.ID, info device.Info) (auth.Session, device.Device, error)
}

type Service struct {
	repo       Repository
	identities Identities
	sessions   SessionIssuer
	notifier   Notifier
	tx         dbx.TxRunner
	ttl        time.Duration
	now        func() time.Time
	newID      func() (string, error)
}

func NewService(repo Repository, identities Identities, sessions SessionIssuer, notifier Notifier, tx dbx.TxRunner, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		repo:       repo,
		identities: identities,
		sessions:   sessions,
		notifier:   notifier,
		tx:         tx,
		ttl:        ttl,
		now:        time.Now,
		newID:      func() (string, error) { return crypto.RandomToken(requestIDBytes) },
	}
}

// Result is what the requesting device learns when it polls. Session fields
// are only set on the single read that completes an approved request.
type Result struct {
	Status             Status
	ExpiresAt          time.Time
	SessionToken       string
	SessionExpiresAt   time.Time
	UserID             user.ID
	DeviceID           device.ID
	EncryptedMasterKey string
	ApproverPublicKey  string
	Identities         []user.Identity
}

// Create opens a pending request for the account behind handle and tells
// every active device of that account about it.
func (s *Service) Create(ctx context.Context, handle, requesterPublicKey string, info device.Info) (LoginRequest, error) {
	if err := crypto.ValidatePublicKey(strings.TrimSpace(requesterPublicKey)); err != nil {
		return LoginRequest{}, fmt.Errorf("%w: requester public key", ErrInvalidInput)
	}
	if err := device.ValidateInfo(info); err != nil {
		return LoginRequest{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	ident, err := s.identities.GetByHandle(ctx, handle)
	if err != nil {
		return LoginRequest{}, err
	}
	id, err := s.newID()
	if err != nil {
		return LoginRequest{}, err
	}

	now := s.now().UTC()
	info.PushSubscription = ""
	req := LoginRequest{
		ID:                 id,
		UserID:             ident.UserID,
		RequesterPublicKey: strings.TrimSpace(requesterPublicKey),
		Device:             info,
		Status:             StatusPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(s.ttl),
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return LoginRequest{}, fmt.Errorf("create login request: %w", err)
	}
	s.notifier.NotifyLoginRequest(ctx, req.UserID, req.Summary())
	return req, nil
}

// load fetches a request the approver is allowed to act on. Requests of
// other accounts look missing.
func (s *Service) load(ctx context.Context, approver auth.Session, id string) (LoginRequest, error) {
	if id == "" {
		return LoginRequest{}, ErrNotFound
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return LoginRequest{}, err
	}
	if req.UserID != approver.UserID {
		return LoginRequest{}, ErrNotFound
	}
	if req.Status != StatusPending {
		return LoginRequest{}, ErrAlreadyHandled
	}
	if req.Expired(s.now()) {
		s.expire(ctx, req)
		return LoginRequest{}, ErrExpired
	}
	return req, nil
}

// Approve records the sealed master key and the approver's ephemeral public
// key, then pushes the result to whoever waits on the request.
func (s *Service) Approve(ctx context.Context, approver auth.Session, id, encryptedMasterKey, approverPublicKey string) error {
	if err := validateCiphertext(encryptedMasterKey); err != nil {
		return err
	}
	if err := crypto.ValidatePublicKey(approverPublicKey); err != nil {
		return fmt.Errorf("%w: approver public key", ErrInvalidInput)
	}
	req, err := s.load(ctx, approver, id)
	if err != nil {
		return err
	}
	if err := s.repo.Approve(ctx, Approval{
		ID:                 req.ID,
		EncryptedMasterKey: encryptedMasterKey,
		ApproverPublicKey:  approverPublicKey,
		ApprovedBy:         approver.DeviceID,
	}); err != nil {
		return err
	}
	metrics.LoginRequestsTotal.WithLabelValues(string(StatusApproved)).Inc()
	s.notifier.NotifyRequestStatus(ctx, StatusUpdate{
		RequestID:          req.ID,
		Status:             StatusApproved,
		EncryptedMasterKey: encryptedMasterKey,
		ApproverPublicKey:  approverPublicKey,
	})
	return nil
}

// Deny removes a pending request and tells the requester.
func (s *Service) Deny(ctx context.Context, approver auth.Session, id string) error {
	req, err := s.load(ctx, approver, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeletePending(ctx, req.ID); err != nil {
		return err
	}
	metrics.LoginRequestsTotal.WithLabelValues(string(StatusDenied)).Inc()
	s.notifier.NotifyRequestStatus(ctx, StatusUpdate{RequestID: req.ID, Status: StatusDenied})
	return nil
}

// Status is polled by the requesting device. Reading an approved request
// completes it: the request is deleted and a session issued in one
// transaction, so a second read finds nothing.
func (s *Service) Status(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, ErrNotFound
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if req.Expired(s.now()) {
		s.expire(ctx, req)
		return Result{Status: StatusExpired, ExpiresAt: req.ExpiresAt}, nil
	}
	switch req.Status {
	case StatusPending:
		return Result{Status: StatusPending, ExpiresAt: req.ExpiresAt}, nil
	case StatusApproved:
		return s.complete(ctx, req)
	default:
		return Result{}, ErrNotFound
	}
}

func (s *Service) complete(ctx context.Context, req LoginRequest) (Result, error) {
	res := Result{
		Status:             StatusApproved,
		ExpiresAt:          req.ExpiresAt,
		UserID:             req.UserID,
		EncryptedMasterKey: req.EncryptedMasterKey,
		ApproverPublicKey:  req.ApproverPublicKey,
	}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, req.ID); err != nil {
			return err
		}
		sess, dev, err := s.sessions.Issue(ctx, req.UserID, req.Device)
		if err != nil {
			return fmt.Errorf("issue session: %w", err)
		}
		idents, err := s.identities.ListIdentities(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("list identities: %w", err)
		}
		res.SessionToken = sess.Token
		res.SessionExpiresAt = sess.ExpiresAt
		res.DeviceID = dev.ID
		res.Identities = idents
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	metrics.LoginRequestsTotal.WithLabelValues("completed").Inc()
	return res, nil
}

// expire removes a request seen past its deadline. A concurrent reader may
// already have removed it, which is fine.
func (s *Service) expire(ctx context.Context, req LoginRequest) {
	if err := s.repo.Delete(ctx, req.ID); err != nil && !errors.Is(err, ErrNotFound) {
		securelog.Error("expire login request", err)
		return
	}
	metrics.LoginRequestsTotal.WithLabelValues(string(StatusExpired)).Inc()
	s.notifier.NotifyRequestStatus(ctx, StatusUpdate{RequestID: req.ID, Status: StatusExpired})
}

// ListPending returns unexpired pending requests for approving devices that
// missed the realtime notification.
func (s *Service) ListPending(ctx context.Context, userID user.ID) ([]LoginRequest, error) {
	return s.repo.ListPendingByUser(ctx, userID, s.now().UTC())
}

func validateCiphertext(encoded string) error {
	if encoded == "" || len(encoded) > maxMasterKeyCiphertext {
		return fmt.Errorf("%w: encrypted master key", ErrInvalidInput)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) <= crypto.NonceSize {
		return fmt.Errorf("%w: encrypted master key", ErrInvalidInput)
	}
	return nil
}
