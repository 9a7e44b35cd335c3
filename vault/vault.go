package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no credential is stored under a key.
var ErrNotFound = errors.New("credential not found")

// Credential is an access grant obtained from an authorization provider.
// It is only ever handed to tool implementations, never written to a ledger.
type Credential struct {
	Provider     string    `json:"provider"`
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Valid reports whether the credential carries a token that has not expired
// at now. A zero Expiry never expires.
func (c Credential) Valid(now time.Time) bool {
	return c.AccessToken != "" && (c.Expiry.IsZero() || now.Before(c.Expiry))
}

// Store keeps credentials keyed by an opaque grant identifier.
type Store interface {
	Put(ctx context.Context, key string, c Credential) error
	Get(ctx context.Context, key string) (Credential, error)
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by stores that can drop expired credentials in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// MemoryStore is a volatile Store backed by a map. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Purger = (*MemoryStore)(nil)
)

// NewMemoryStore constructs an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

// Put stores c under key, replacing any previous value.
func (s *MemoryStore) Put(_ context.Context, key string, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[key] = c

	return nil
}

// Get returns the credential stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[key]
	if !ok {
		return Credential{}, fmt.Errorf("vault key %s: %w", key, ErrNotFound)
	}

	return c, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, key)

	return nil
}

// PurgeExpired deletes credentials whose expiry lies before now.
func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64

	for k, c := range s.creds {
		if !c.Expiry.IsZero() && c.Expiry.Before(now) {
			delete(s.creds, k)
			n++
		}
	}

	return n, nil
}
