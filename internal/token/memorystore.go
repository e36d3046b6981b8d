package token

import (
	"context"
	"sync"
)

// MemoryStore is a process-local LocalStore. Token state is lost on
// restart, which forces a fresh mint and re-registration on boot.
type MemoryStore struct {
	mu    sync.Mutex
	tok   DeviceToken
	saved bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (DeviceToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, s.saved, nil
}

func (s *MemoryStore) Save(_ context.Context, tok DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok, s.saved = tok, true
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok, s.saved = DeviceToken{}, false
	return nil
}
