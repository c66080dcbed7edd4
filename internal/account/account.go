// Package account links external identities to local accounts. Every
// repository enforces one account per external id with a uniqueness
// constraint of its backend.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrAccountNotFound is returned when no account matches the lookup
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountExists is returned when creating an account whose external
	// id is already linked
	ErrAccountExists = errors.New("account already exists")
)

// Account is a local account linked to one external identity
type Account struct {
	ID               string          `json:"id"`
	ExternalID       string          `json:"external_id"`
	Provider         string          `json:"provider"`
	DisplayName      string          `json:"display_name"`
	Avatar           string          `json:"avatar"`
	ProviderMetadata json.RawMessage `json:"provider_metadata,omitempty"`
	LinkedAt         time.Time       `json:"linked_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Repository persists accounts
type Repository interface {
	// FindByExternalID returns ErrAccountNotFound when the identity has no account.
	FindByExternalID(ctx context.Context, externalID string) (*Account, error)

	// Create inserts acct. It returns ErrAccountExists when the external id
	// is already linked, including when another process won a race.
	Create(ctx context.Context, acct *Account) error

	// Update overwrites the mutable fields (display name, avatar, provider
	// metadata, updated at) of the account with acct.ID.
	Update(ctx context.Context, acct *Account) error

	Close() error
}

func cloneAccount(a *Account) *Account {
	c := *a
	if a.ProviderMetadata != nil {
		c.ProviderMetadata = append(json.RawMessage(nil), a.ProviderMetadata...)
	}
	return &c
}
