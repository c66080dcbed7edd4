package login

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/storage"
)

var (
	// ErrInvalidState is returned for a state token that is absent or
	// malformed. Nothing is read or written.
	ErrInvalidState = errors.New("invalid login state")

	// ErrInvalidCallback is returned for a callback that carries neither a
	// code nor a provider error.
	ErrInvalidCallback = errors.New("invalid callback")

	ErrStateNotFound   = errors.New("login state not found")
	ErrStateExpired    = errors.New("login state expired")
	ErrStateNotPending = errors.New("login state already resolved")

	// ErrInitiationFailed is returned when no fresh state could be created
	ErrInitiationFailed = errors.New("login initiation failed")

	// ErrStoreUnavailable wraps infrastructure failures of the state store.
	// It is the only error a caller should retry.
	ErrStoreUnavailable = errors.New("state store unavailable")

	// ErrAccountUnavailable wraps failures of the account service
	ErrAccountUnavailable = errors.New("account service unavailable")
)

// ProviderError is a failed token exchange or profile fetch. Its Message is
// what the waiting browser is shown.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Message returns a browser-safe description of the failure
func (e *ProviderError) Message() string {
	var apiErr *idp.APIError
	switch {
	case errors.As(e.Err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	case errors.Is(e.Err, context.DeadlineExceeded):
		return "identity provider timed out"
	default:
		return "identity provider request failed"
	}
}

// storeError maps a storage error to the matching login sentinel
func storeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrStateExpired):
		return ErrStateExpired
	case errors.Is(err, storage.ErrStateNotFound):
		return ErrStateNotFound
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
