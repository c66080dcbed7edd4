package storage

import (
	"context"
	"sync"
	"time"
)

// Ensure MemoryStorage implements StateStore
var _ StateStore = (*MemoryStorage)(nil)

// MemoryStorage keeps login states in a mutex-guarded map. States don't
// survive a restart and aren't shared between replicas.
type MemoryStorage struct {
	mu     sync.Mutex
	states map[string]*LoginState
	now    func() time.Time
}

// NewMemoryStorage creates a new storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		states: make(map[string]*LoginState),
		now:    time.Now,
	}
}

// CreateLoginState inserts a pending state
func (s *MemoryStorage) CreateLoginState(_ context.Context, state string, ttl time.Duration) (*LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[state]; ok {
		return nil, ErrStateExists
	}

	now := s.now()

	ls := &LoginState{
		State:     state,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.states[state] = ls
	return copyState(ls), nil
}

// GetLoginState reads a state, deleting it if expired
func (s *MemoryStorage) GetLoginState(_ context.Context, state string) (*LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, err := s.lookup(state)
	if err != nil {
		return nil, err
	}
	return copyState(ls), nil
}

// SetLoginStateTerminal moves a pending state to a terminal status
func (s *MemoryStorage) SetLoginStateTerminal(_ context.Context, state string, status Status, result Result) error {
	if err := validateTerminal(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ls, err := s.lookup(state)
	if err != nil {
		return err
	}
	if ls.Status != StatusPending {
		return ErrAlreadyTerminal
	}
	applyResult(ls, status, result)
	return nil
}

// ConsumeLoginState reads a state and deletes it if terminal
func (s *MemoryStorage) ConsumeLoginState(_ context.Context, state string) (*LoginState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, err := s.lookup(state)
	if err != nil {
		return nil, err
	}
	if ls.Status.Terminal() {
		delete(s.states, state)
	}
	return copyState(ls), nil
}

// DeleteLoginState removes a state if present
func (s *MemoryStorage) DeleteLoginState(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, state)
	return nil
}

// CleanupExpiredLoginStates removes every expired state
func (s *MemoryStorage) CleanupExpiredLoginStates(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	for key, ls := range s.states {
		if ls.Expired(now) {
			delete(s.states, key)
			count++
		}
	}
	return count, nil
}

// Close is a no-op for memory storage
func (s *MemoryStorage) Close() error {
	return nil
}

// lookup returns the live state or the matching error. Must hold s.mu.
func (s *MemoryStorage) lookup(state string) (*LoginState, error) {
	ls, ok := s.states[state]
	if !ok {
		return nil, ErrStateNotFound
	}
	if ls.Expired(s.now()) {
		delete(s.states, state)
		return nil, ErrStateExpired
	}
	return ls, nil
}

func copyState(ls *LoginState) *LoginState {
	c := *ls
	if ls.Session != nil {
		b := *ls.Session
		c.Session = &b
	}
	if ls.Profile != nil {
		p := *ls.Profile
		c.Profile = &p
	}
	return &c
}
