package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/log"
	"github.com/dgellow/qrlogin/internal/storage"
)

// Initiation is handed to the browser to render as a QR code
type Initiation struct {
	State     string    `json:"state"`
	QRURL     string    `json:"qrUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Initiator starts login attempts
type Initiator struct {
	store    storage.StateStore
	provider idp.Provider
	ttl      time.Duration
	newState func() (string, error)
}

// NewInitiator creates an Initiator whose states live for ttl
func NewInitiator(store storage.StateStore, provider idp.Provider, ttl time.Duration) *Initiator {
	return &Initiator{
		store:    store,
		provider: provider,
		ttl:      ttl,
		newState: crypto.NewStateToken,
	}
}

// Initiate creates a pending state and returns the provider URL embedding
// it. A token collision is retried once with a fresh token.
func (i *Initiator) Initiate(ctx context.Context) (*Initiation, error) {
	for attempt := 1; attempt <= 2; attempt++ {
		state, err := i.newState()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInitiationFailed, err)
		}

		ls, err := i.store.CreateLoginState(ctx, state, i.ttl)
		if errors.Is(err, storage.ErrStateExists) {
			log.LogWarnWithFields("login", "State token collision", map[string]any{
				"state":   log.Redact(state),
				"attempt": attempt,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		log.LogDebugWithFields("login", "Login initiated", map[string]any{
			"state":     log.Redact(state),
			"expiresAt": ls.ExpiresAt,
		})

		return &Initiation{
			State:     state,
			QRURL:     i.provider.AuthURL(state),
			ExpiresAt: ls.ExpiresAt,
		}, nil
	}
	return nil, fmt.Errorf("%w: state token collided twice", ErrInitiationFailed)
}
