package labchain

import (
	"context"
	"sync"
)

// TokenStore holds the ledger bearer token for the session and lets callers
// wait until one is available.
type TokenStore struct {
	mu      sync.Mutex
	token   string
	waiters []chan struct{}
}

// NewTokenStore returns an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Set stores the token and releases every caller blocked in Wait. Clearing
// the token keeps them waiting for the next one.
func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	s.token = token
	if token == "" {
		s.mu.Unlock()
		return
	}
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// Token returns the current token and whether one is held.
func (s *TokenStore) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// Wait blocks until a token is held or ctx is done.
func (s *TokenStore) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.token != "" {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
