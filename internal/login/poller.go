package login

import (
	"context"
	"errors"

	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/log"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/dgellow/qrlogin/internal/storage"
)

// PollStatus is what the browser sees of a login attempt
type PollStatus string

const (
	PollPending  PollStatus = "pending"
	PollSuccess  PollStatus = "success"
	PollExpired  PollStatus = "expired"
	PollNotFound PollStatus = "not_found"
	PollError    PollStatus = "error"
)

// Terminal reports whether polling should stop
func (s PollStatus) Terminal() bool {
	return s != PollPending
}

// PollResult is one observation of a login attempt
type PollResult struct {
	Status  PollStatus
	Session *session.Bundle
	Profile *idp.Identity
	Message string
}

// Poller answers browser polls. Terminal results are handed out once.
type Poller struct {
	store storage.StateStore
}

// NewPoller creates a Poller
func NewPoller(store storage.StateStore) *Poller {
	return &Poller{store: store}
}

// Poll observes state, consuming it when terminal. The only error returned
// wraps ErrStoreUnavailable.
func (p *Poller) Poll(ctx context.Context, state string) (*PollResult, error) {
	if !crypto.ValidStateToken(state) {
		return &PollResult{Status: PollNotFound}, nil
	}

	ls, err := p.store.ConsumeLoginState(ctx, state)
	if err != nil {
		switch err := storeError(err); {
		case errors.Is(err, ErrStateExpired):
			return &PollResult{Status: PollExpired}, nil
		case errors.Is(err, ErrStateNotFound):
			return &PollResult{Status: PollNotFound}, nil
		default:
			return nil, err
		}
	}

	switch ls.Status {
	case storage.StatusPending:
		return &PollResult{Status: PollPending}, nil
	case storage.StatusSuccess:
		log.LogInfoWithFields("login", "Login session handed off", map[string]any{
			"state": log.Redact(state),
		})
		return &PollResult{Status: PollSuccess, Session: ls.Session, Profile: ls.Profile}, nil
	default:
		return &PollResult{Status: PollError, Message: ls.Message}, nil
	}
}
