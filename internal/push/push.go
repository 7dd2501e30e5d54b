// Package push delivers Web Push notifications signed with the server's
// VAPID key pair.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/Avicted/sigil/internal/metrics"
)

var (
	ErrSubscriptionGone    = errors.New("push subscription gone")
	ErrInvalidSubscription = errors.New("invalid push subscription")
	ErrDisabled            = errors.New("push disabled")
)

const defaultTTL = 300

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             int
	HTTPClient      webpush.HTTPClient
}

type Sender struct {
	cfg Config
}

func NewSender(cfg Config) *Sender {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Sender{cfg: cfg}
}

// ValidateSubscription checks a browser PushSubscription JSON document.
func ValidateSubscription(raw string) error {
	_, err := parseSubscription(raw)
	return err
}

func parseSubscription(raw string) (*webpush.Subscription, error) {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscription, err)
	}
	if sub.Endpoint == "" || sub.Keys.Auth == "" || sub.Keys.P256dh == "" {
		return nil, ErrInvalidSubscription
	}
	return &sub, nil
}

// Send encrypts payload for the subscription and posts it to the push
// service. A 404 or 410 answer means the subscription should be dropped.
func (s *Sender) Send(ctx context.Context, subscription string, payload []byte) (err error) {
	defer func() {
		metrics.PushDeliveriesTotal.WithLabelValues(metrics.Outcome(err)).Inc()
	}()
	if s == nil || s.cfg.VAPIDPrivateKey == "" {
		return ErrDisabled
	}
	sub, err := parseSubscription(subscription)
	if err != nil {
		return err
	}
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &webpush.Options{
		HTTPClient:      s.cfg.HTTPClient,
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push service status %d", resp.StatusCode)
	}
	return nil
}
