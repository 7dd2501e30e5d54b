// Package trustcode implements recovery codes. The server keeps only bcrypt
// hashes for authentication. Clients derive a wrapping key from each code and
// upload the master key wrapped under every code as one opaque backup blob.
package trustcode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/Avicted/sigil/internal/crypto"
)

const (
	alphabet    = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	groups      = 5
	groupLen    = 5
	DefaultSize = 2
)

var kdfSalt = []byte("sigil-trust-code-v1")

var (
	ErrInvalidCode = errors.New("invalid trust code")
	ErrEmptyBlob   = errors.New("empty backup blob")
)

type Code struct {
	ID        string
	UserID    string
	Hash      string
	CreatedAt time.Time
}

type Repository interface {
	ListByUser(ctx context.Context, userID string) ([]Code, error)
	// ReplaceForUser removes every code of the user and inserts the given
	// hashes. Callers run it inside a transaction.
	ReplaceForUser(ctx context.Context, userID string, hashes []string) error
}

// Generate returns a code formatted as five dash-separated groups.
func Generate() (string, error) {
	var b strings.Builder
	size := big.NewInt(int64(len(alphabet)))
	for g := 0; g < groups; g++ {
		if g > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < groupLen; i++ {
			n, err := rand.Int(rand.Reader, size)
			if err != nil {
				return "", fmt.Errorf("generate trust code: %w", err)
			}
			b.WriteByte(alphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

func GenerateSet(n int) ([]string, error) {
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c, err := Generate()
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	return codes, nil
}

// Normalize uppercases and drops separators so that codes typed with
// lowercase letters, spaces or missing dashes still match.
func Normalize(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func Hash(code string) (string, error) {
	n := Normalize(code)
	if len(n) != groups*groupLen {
		return "", ErrInvalidCode
	}
	h, err := bcrypt.GenerateFromPassword([]byte(n), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash trust code: %w", err)
	}
	return string(h), nil
}

func Verify(hash, code string) bool {
	n := Normalize(code)
	if len(n) != groups*groupLen {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(n)) == nil
}

// DeriveKey stretches a code into a 32-byte wrapping key. The salt is fixed
// so that any device holding the code derives the same key.
func DeriveKey(code string) []byte {
	return argon2.IDKey([]byte(Normalize(code)), kdfSalt, 1, 64*1024, 4, crypto.KeySize)
}

// WrapMasterKey encrypts masterKey once per code and joins the ciphertexts
// into a single blob.
func WrapMasterKey(masterKey []byte, codes ...string) (string, error) {
	if len(codes) == 0 {
		return "", ErrInvalidCode
	}
	parts := make([]string, 0, len(codes))
	for _, c := range codes {
		ct, err := crypto.SealWithKey(DeriveKey(c), masterKey)
		if err != nil {
			return "", fmt.Errorf("wrap master key: %w", err)
		}
		parts = append(parts, ct)
	}
	return strings.Join(parts, "."), nil
}

// UnwrapMasterKey tries every segment of blob with the key derived from
// code. The first segment that opens wins.
func UnwrapMasterKey(blob, code string) ([]byte, error) {
	if blob == "" {
		return nil, ErrEmptyBlob
	}
	key := DeriveKey(code)
	for _, part := range strings.Split(blob, ".") {
		if pt, err := crypto.OpenWithKey(key, part); err == nil {
			return pt, nil
		}
	}
	return nil, ErrInvalidCode
}

// ValidateBlob checks that blob has the shape produced by WrapMasterKey
// without being able to open it.
func ValidateBlob(blob string) error {
	if blob == "" {
		return ErrEmptyBlob
	}
	for _, part := range strings.Split(blob, ".") {
		raw, err := base64.StdEncoding.DecodeString(part)
		if err != nil || len(raw) <= crypto.NonceSize {
			return fmt.Errorf("%w: malformed segment", crypto.ErrInvalidCiphertext)
		}
	}
	return nil
}
