// Package notify fans login-request events out to a user's devices: the
// realtime socket when the device is connected, Web Push otherwise.
// Delivery is best effort; clients also poll.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/loginrequest"
	"github.com/Avicted/sigil/internal/push"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/user"
	"github.com/Avicted/sigil/internal/ws"
)

const pushTimeout = 5 * time.Second

type Hub interface {
	SendToDevice(userID user.ID, deviceID device.ID, payload any) bool
	SendToUser(userID user.ID, payload any) int
	SendToRequest(requestID string, payload any) bool
}

type Devices interface {
	ListActive(ctx context.Context, userID user.ID) ([]device.Device, error)
	ClearPushSubscription(ctx context.Context, id device.ID) error
}

type PushSender interface {
	Send(ctx context.Context, subscription string, payload []byte) error
}

type Fanout struct {
	hub     Hub
	devices Devices
	push    PushSender
}

// NewFanout wires the delivery paths. sender may be nil when push is not
// configured.
func NewFanout(hub Hub, devices Devices, sender PushSender) *Fanout {
	return &Fanout{hub: hub, devices: devices, push: sender}
}

type loginRequestMessage struct {
	Type    string               `json:"type"`
	Request loginrequest.Summary `json:"request"`
}

type statusMessage struct {
	Type string `json:"type"`
	loginrequest.StatusUpdate
}

func (f *Fanout) NotifyLoginRequest(ctx context.Context, userID user.ID, s loginrequest.Summary) {
	msg := loginRequestMessage{Type: ws.TypeLoginRequest, Request: s}
	devices, err := f.devices.ListActive(ctx, userID)
	if err != nil {
		securelog.Error("notify list devices", err)
		f.hub.SendToUser(userID, msg)
		return
	}

	var payload []byte
	for _, dev := range devices {
		if f.hub.SendToDevice(userID, dev.ID, msg) {
			continue
		}
		if f.push == nil || dev.PushSubscription == "" {
			continue
		}
		if payload == nil {
			if payload, err = json.Marshal(msg); err != nil {
				securelog.Error("notify encode", err)
				return
			}
		}
		f.sendPush(ctx, dev, payload)
	}
}

func (f *Fanout) sendPush(ctx context.Context, dev device.Device, payload []byte) {
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()
	err := f.push.Send(ctx, dev.PushSubscription, payload)
	switch {
	case err == nil:
	case errors.Is(err, push.ErrSubscriptionGone), errors.Is(err, push.ErrInvalidSubscription):
		if err := f.devices.ClearPushSubscription(ctx, dev.ID); err != nil {
			securelog.Error("notify prune subscription", err)
		}
	default:
		securelog.Error("notify push", err)
	}
}

func (f *Fanout) NotifyRequestStatus(_ context.Context, u loginrequest.StatusUpdate) {
	f.hub.SendToRequest(u.RequestID, statusMessage{Type: ws.TypeLoginRequestStatus, StatusUpdate: u})
}
