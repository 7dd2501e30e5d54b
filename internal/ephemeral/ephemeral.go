// Package ephemeral stores short-lived records such as WebAuthn ceremony
// state, authorization codes and opaque access tokens. Every record carries
// an absolute expiry; expired records are never returned.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("ephemeral: not found")

const (
	NamespaceWebAuthn    = "webauthn"
	NamespaceOAuthCode   = "oauth_code"
	NamespaceOAuthAccess = "oauth_access"
)

type Store interface {
	Set(ctx context.Context, ns, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, ns, key string) ([]byte, error)
	// Take returns the value and removes it in one step. Two concurrent
	// callers never both receive the same record.
	Take(ctx context.Context, ns, key string) ([]byte, error)
	Delete(ctx context.Context, ns, key string) error
}

func PutJSON(ctx context.Context, s Store, ns, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", ns, err)
	}
	return s.Set(ctx, ns, key, raw, ttl)
}

func GetJSON(ctx context.Context, s Store, ns, key string, v any) error {
	raw, err := s.Get(ctx, ns, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s record: %w", ns, err)
	}
	return nil
}

func TakeJSON(ctx context.Context, s Store, ns, key string, v any) error {
	raw, err := s.Take(ctx, ns, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s record: %w", ns, err)
	}
	return nil
}
