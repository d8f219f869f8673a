package store

import (
	"context"
	"sort"
	"sync"

	"github.com/yuguri76/fitbit/internal/models"
)

// MemoryStore keeps credentials in process memory.
// It is thread-safe and supports concurrent access.
type MemoryStore struct {
	mu         sync.RWMutex
	tokens     map[string]*models.UserToken     // key: userID
	challenges map[string]*models.PKCEChallenge // key: userID
	opts       options
}

var _ CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		tokens:     make(map[string]*models.UserToken),
		challenges: make(map[string]*models.PKCEChallenge),
		opts:       buildOptions(opts),
	}
}

// PutToken stores or replaces the token of a user
func (s *MemoryStore) PutToken(_ context.Context, userID string, token *models.UserToken) error {
	t, err := stampToken(userID, token, s.opts.clock())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[userID] = t
	return nil
}

// GetToken retrieves the token of a user
func (s *MemoryStore) GetToken(_ context.Context, userID string) (*models.UserToken, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[userID]
	if !ok {
		return nil, false, nil
	}
	return token.Clone(), true, nil
}

// RemoveToken deletes the token of a user
func (s *MemoryStore) RemoveToken(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, userID)
	return nil
}

// PutChallenge stores a PKCE verifier, replacing any previous one
func (s *MemoryStore) PutChallenge(_ context.Context, userID, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[userID] = &models.PKCEChallenge{
		UserID:    userID,
		Verifier:  verifier,
		CreatedAt: s.opts.clock(),
	}
	return nil
}

// GetChallenge returns a live verifier and purges an expired one
func (s *MemoryStore) GetChallenge(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.challenges[userID]
	if !ok {
		return "", false, nil
	}
	if ch.Expired(s.opts.clock()) {
		delete(s.challenges, userID)
		return "", false, nil
	}
	return ch.Verifier, true, nil
}

// RemoveChallenge deletes the verifier of a user
func (s *MemoryStore) RemoveChallenge(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, userID)
	return nil
}

// ListUsers returns all users with a stored token
func (s *MemoryStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedKeys(s.tokens), nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
