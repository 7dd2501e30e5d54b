package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

const (
	MethodS256  = "S256"
	MethodPlain = "plain"

	minVerifierLen = 43
	maxVerifierLen = 128
)

func validChallengeMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}

// validVerifier checks length and the unreserved character set of RFC 7636.
func validVerifier(v string) bool {
	if len(v) < minVerifierLen || len(v) > maxVerifierLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

// S256Challenge derives the challenge a client sends for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func verifyPKCE(method, challenge, verifier string) bool {
	if !validVerifier(verifier) {
		return false
	}
	var computed string
	switch method {
	case MethodS256:
		computed = S256Challenge(verifier)
	case MethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
