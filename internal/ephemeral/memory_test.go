package ephemeral

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestMemoryStore() (*MemoryStore, *time.Time) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestMemoryStore_SetGet(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, NamespaceWebAuthn, "c1", []byte("state"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get(ctx, NamespaceWebAuthn, "c1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "state" {
		t.Fatalf("Get() = %q", got)
	}
	if _, err := s.Get(ctx, NamespaceOAuthCode, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected namespaces to be isolated, got %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s, now := newTestMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, NamespaceOAuthCode, "code", []byte("x"), time.Minute)
	*now = now.Add(time.Minute)
	if _, err := s.Get(ctx, NamespaceOAuthCode, "code"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound at expiry, got %v", err)
	}
	if len(s.entries) != 0 {
		t.Fatal("expected expired entry to be removed on read")
	}
}

func TestMemoryStore_TakeIsSingleUse(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, NamespaceOAuthCode, "code", []byte("x"), time.Minute)
	if _, err := s.Take(ctx, NamespaceOAuthCode, "code"); err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if _, err := s.Take(ctx, NamespaceOAuthCode, "code"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second Take, got %v", err)
	}
}

func TestMemoryStore_TakeConcurrent(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, NamespaceOAuthCode, "code", []byte("x"), time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Take(ctx, NamespaceOAuthCode, "code"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("Take() succeeded %d times, want 1", wins)
	}
}

func TestMemoryStore_DeleteAndSweep(t *testing.T) {
	s, now := newTestMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "a", "1", []byte("x"), time.Minute)
	_ = s.Set(ctx, "a", "2", []byte("x"), time.Hour)
	_ = s.Set(ctx, "a", "3", []byte("x"), time.Hour)
	if err := s.Delete(ctx, "a", "3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	*now = now.Add(2 * time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, err := s.Get(ctx, "a", "2"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestMemoryStore_CopiesValue(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()
	buf := []byte("abc")
	_ = s.Set(ctx, "a", "k", buf, time.Minute)
	buf[0] = 'z'
	got, _ := s.Get(ctx, "a", "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}

func TestJSONHelpers(t *testing.T) {
	s, _ := newTestMemoryStore()
	ctx := context.Background()

	type record struct {
		UserID string `json:"user_id"`
	}
	if err := PutJSON(ctx, s, NamespaceOAuthAccess, "h", record{UserID: "u1"}, time.Minute); err != nil {
		t.Fatalf("PutJSON() error = %v", err)
	}
	var got record
	if err := GetJSON(ctx, s, NamespaceOAuthAccess, "h", &got); err != nil || got.UserID != "u1" {
		t.Fatalf("GetJSON() = %+v, %v", got, err)
	}
	got = record{}
	if err := TakeJSON(ctx, s, NamespaceOAuthAccess, "h", &got); err != nil || got.UserID != "u1" {
		t.Fatalf("TakeJSON() = %+v, %v", got, err)
	}
	if err := GetJSON(ctx, s, NamespaceOAuthAccess, "h", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_ = s.Set(ctx, "bad", "k", []byte("{"), time.Minute)
	if err := GetJSON(ctx, s, "bad", "k", &got); err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
