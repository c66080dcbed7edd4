package account

import (
	"context"
	"sync"
)

// Ensure MemoryRepository implements Repository
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository keeps accounts in a map keyed by external id
type MemoryRepository struct {
	mu         sync.RWMutex
	byExternal map[string]*Account
	byID       map[string]*Account
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byExternal: make(map[string]*Account),
		byID:       make(map[string]*Account),
	}
}

func (r *MemoryRepository) FindByExternalID(_ context.Context, externalID string) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.byExternal[externalID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

func (r *MemoryRepository) Create(_ context.Context, acct *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byExternal[acct.ExternalID]; ok {
		return ErrAccountExists
	}
	if _, ok := r.byID[acct.ID]; ok {
		return ErrAccountExists
	}

	stored := cloneAccount(acct)
	r.byExternal[acct.ExternalID] = stored
	r.byID[acct.ID] = stored
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, acct *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[acct.ID]
	if !ok {
		return ErrAccountNotFound
	}
	stored.DisplayName = acct.DisplayName
	stored.Avatar = acct.Avatar
	stored.ProviderMetadata = append(stored.ProviderMetadata[:0:0], acct.ProviderMetadata...)
	stored.UpdatedAt = acct.UpdatedAt
	return nil
}

// Close is a no-op for memory storage
func (r *MemoryRepository) Close() error {
	return nil
}
