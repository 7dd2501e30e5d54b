package trustcode

import (
	"context"
	"fmt"
	"sync"
)

type Service struct {
	repo     Repository
	generate func() (string, error)
	verify   func(hash, code string) bool
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, generate: Generate, verify: Verify}
}

// decoyHash is a well-formed code hash that no issued code matches.
var decoyHash = sync.OnceValue(func() string {
	h, err := Hash("AAAAA-AAAAA-AAAAA-AAAAA-AAAAA")
	if err != nil {
		return ""
	}
	return h
})

// Issue replaces the user's codes with a fresh set and returns the
// plaintext codes. They are shown once and never stored.
func (s *Service) Issue(ctx context.Context, userID string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultSize
	}
	codes := make([]string, 0, n)
	hashes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c, err := s.generate()
		if err != nil {
			return nil, err
		}
		h, err := Hash(c)
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
		hashes = append(hashes, h)
	}
	if err := s.repo.ReplaceForUser(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("store trust codes: %w", err)
	}
	return codes, nil
}

// Check reports whether code matches any stored code of the user. Codes
// are reusable and are not consumed.
func (s *Service) Check(ctx context.Context, userID, code string) (bool, error) {
	stored, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("list trust codes: %w", err)
	}
	for _, c := range stored {
		if s.verify(c.Hash, code) {
			return true, nil
		}
	}
	return false, nil
}

// Decoy spends the bcrypt work of a failed Check against a full code set.
// Callers use it when there is no account to check the code against.
func (s *Service) Decoy(code string) {
	h := decoyHash()
	for i := 0; i < DefaultSize; i++ {
		s.verify(h, code)
	}
}
