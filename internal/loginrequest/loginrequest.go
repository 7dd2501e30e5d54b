// Package loginrequest implements device-trust login: a new device asks an
// already trusted device of the same account to hand over the master key,
// sealed to the new device's ephemeral X25519 key. The server only relays
// public keys and ciphertext.
package loginrequest

import (
	"context"
	"errors"
	"time"

	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/user"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

var (
	ErrNotFound       = errors.New("login request not found")
	ErrAlreadyHandled = errors.New("login request already handled")
	ErrExpired        = errors.New("login request expired")
	ErrInvalidInput   = errors.New("invalid input")
)

type LoginRequest struct {
	ID                 string
	UserID             user.ID
	RequesterPublicKey string
	Device             device.Info
	Status             Status
	EncryptedMasterKey string
	ApproverPublicKey  string
	ApprovedByDevice   device.ID
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

func (r LoginRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Approval is the approving device's answer to a pending request.
type Approval struct {
	ID                 string
	EncryptedMasterKey string
	ApproverPublicKey  string
	ApprovedBy         device.ID
}

// Repository persists login requests. Approve and DeletePending only touch
// rows still in the pending state and return ErrAlreadyHandled otherwise.
// Delete returns ErrNotFound unless exactly one row was removed.
type Repository interface {
	Create(ctx context.Context, req LoginRequest) error
	Get(ctx context.Context, id string) (LoginRequest, error)
	ListPendingByUser(ctx context.Context, userID user.ID, now time.Time) ([]LoginRequest, error)
	Approve(ctx context.Context, a Approval) error
	DeletePending(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Summary is what approving devices are shown about a request.
type Summary struct {
	ID                 string    `json:"id"`
	RequesterPublicKey string    `json:"requesterPublicKey"`
	DeviceName         string    `json:"deviceName,omitempty"`
	DevicePlatform     string    `json:"devicePlatform,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

func (r LoginRequest) Summary() Summary {
	return Summary{
		ID:                 r.ID,
		RequesterPublicKey: r.RequesterPublicKey,
		DeviceName:         r.Device.Name,
		DevicePlatform:     r.Device.Platform,
		CreatedAt:          r.CreatedAt,
		ExpiresAt:          r.ExpiresAt,
	}
}

// StatusUpdate is pushed to the subscriber of a single request.
type StatusUpdate struct {
	RequestID          string `json:"requestId"`
	Status             Status `json:"status"`
	EncryptedMasterKey string `json:"encryptedMasterKey,omitempty"`
	ApproverPublicKey  string `json:"approverPublicKey,omitempty"`
}

// Notifier delivers events on a best-effort basis. Implementations log
// delivery failures instead of returning them.
type Notifier interface {
	NotifyLoginRequest(ctx context.Context, userID user.ID, s Summary)
	NotifyRequestStatus(ctx context.Context, u StatusUpdate)
}
