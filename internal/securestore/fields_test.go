package securestore

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func newTestCrypto(t *testing.T, b byte) *FieldCrypto {
	t.Helper()
	fc, err := NewFieldCrypto(bytes.Repeat([]byte{b}, keySize))
	if err != nil {
		t.Fatalf("NewFieldCrypto() error = %v", err)
	}
	return fc
}

func TestNewFieldCrypto_InvalidKey(t *testing.T) {
	if _, err := NewFieldCrypto([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	fc := newTestCrypto(t, 0x01)

	ciphertext, err := fc.Seal("display_name", "Alice")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if ciphertext == "" || ciphertext == "Alice" {
		t.Fatalf("Seal() = %q", ciphertext)
	}

	plaintext, err := fc.Open("display_name", ciphertext)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if plaintext != "Alice" {
		t.Fatalf("Open() = %q, want %q", plaintext, "Alice")
	}
}

func TestOpen_WrongColumn(t *testing.T) {
	fc := newTestCrypto(t, 0x02)

	ciphertext, err := fc.Seal("email", "alice@example.com")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := fc.Open("display_name", ciphertext); err == nil {
		t.Fatal("expected error opening value under another column")
	}
}

func TestSealOpen_Empty(t *testing.T) {
	fc := newTestCrypto(t, 0x03)

	ct, err := fc.Seal("email", "")
	if err != nil || ct != "" {
		t.Fatalf("Seal(\"\") = %q, %v", ct, err)
	}
	pt, err := fc.Open("email", "")
	if err != nil || pt != "" {
		t.Fatalf("Open(\"\") = %q, %v", pt, err)
	}
}

func TestOpen_InvalidInput(t *testing.T) {
	fc := newTestCrypto(t, 0x04)

	if _, err := fc.Open("email", "not-base64!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	short := base64.StdEncoding.EncodeToString([]byte{1, 2})
	if _, err := fc.Open("email", short); !errors.Is(err, ErrCiphertextTooShort) {
		t.Fatalf("expected ErrCiphertextTooShort, got %v", err)
	}
}

func TestOpen_OtherKey(t *testing.T) {
	a := newTestCrypto(t, 0x05)
	b := newTestCrypto(t, 0x06)

	ct, err := a.Seal("email", "x@example.com")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := b.Open("email", ct); err == nil {
		t.Fatal("expected error for wrong key")
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	fc := newTestCrypto(t, 0x07)

	ct1, _ := fc.Seal("name", "same")
	ct2, _ := fc.Seal("name", "same")
	if ct1 == ct2 {
		t.Fatal("expected different ciphertext for same plaintext")
	}
}

func TestLookupHash(t *testing.T) {
	fc := newTestCrypto(t, 0x08)

	h1 := fc.LookupHash("fingerprint", "abc")
	h2 := fc.LookupHash("fingerprint", "abc")
	if h1 == "" || h1 != h2 {
		t.Fatalf("LookupHash() not stable: %q vs %q", h1, h2)
	}
	if fc.LookupHash("other", "abc") == h1 {
		t.Fatal("expected purpose to change the hash")
	}
	if fc.LookupHash("fingerprint", "") != "" {
		t.Fatal("expected empty hash for empty value")
	}
}
