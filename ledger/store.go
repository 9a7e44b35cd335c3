package ledger

import (
	"fmt"
	"sync"

	"github.com/hupe1980/taskrelay/core"
)

// Store is a volatile registry of task ledgers held in a process local map.
// A task has at most one live ledger: Create fails until the previous one is
// removed. Store is safe for concurrent access.
type Store struct {
	mu      sync.RWMutex
	ledgers map[string]*Ledger
}

// NewStore constructs an empty ledger store.
func NewStore() *Store {
	return &Store{ledgers: make(map[string]*Ledger)}
}

// Create allocates the ledger for taskID.
func (s *Store) Create(taskID string) (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[taskID]; ok {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrLedgerExists)
	}

	l := New(taskID)
	s.ledgers[taskID] = l

	return l, nil
}

// Get returns the ledger for taskID.
func (s *Store) Get(taskID string) (*Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.ledgers[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrLedgerNotFound)
	}

	return l, nil
}

// Append records a step on the ledger of taskID.
func (s *Store) Append(taskID string, kind core.StepKind, payload any) (int64, error) {
	l, err := s.Get(taskID)
	if err != nil {
		return -1, err
	}

	return l.Append(kind, payload)
}

// ReadFrom returns the steps of taskID with Seq > afterSeq.
func (s *Store) ReadFrom(taskID string, afterSeq int64) ([]core.Step, error) {
	l, err := s.Get(taskID)
	if err != nil {
		return nil, err
	}

	return l.ReadFrom(afterSeq), nil
}

// Close seals the ledger of taskID with a terminal step. Idempotent.
func (s *Store) Close(taskID string, kind core.StepKind, payload any) (bool, error) {
	l, err := s.Get(taskID)
	if err != nil {
		return false, err
	}

	return l.Close(kind, payload)
}

// Remove evicts the ledger of taskID and reports whether it existed.
func (s *Store) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.ledgers[taskID]
	delete(s.ledgers, taskID)

	return ok
}

// Len returns the number of live ledgers.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.ledgers)
}
