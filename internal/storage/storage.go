package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/session"
)

// ErrStateExists is returned when creating a state whose token is taken
var ErrStateExists = errors.New("login state already exists")

// ErrStateNotFound is returned when a login state doesn't exist
var ErrStateNotFound = errors.New("login state not found")

// ErrStateExpired is returned when a login state is past its expiry. The
// record is deleted as it is observed. It wraps ErrStateNotFound because
// callers that don't care about the distinction treat both the same.
var ErrStateExpired = fmt.Errorf("login state expired: %w", ErrStateNotFound)

// ErrAlreadyTerminal is returned when a terminal write loses to an earlier one
var ErrAlreadyTerminal = errors.New("login state already terminal")

// Status is the server-side lifecycle of a login attempt
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether status is success or error
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// LoginState is the record of one QR login attempt
type LoginState struct {
	State     string          `json:"state"`
	Status    Status          `json:"status"`
	Session   *session.Bundle `json:"session,omitempty"`
	Profile   *idp.Identity   `json:"profile,omitempty"`
	Message   string          `json:"message,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the state is past its expiry at now
func (s *LoginState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Result is the outcome written by SetLoginStateTerminal. Session and
// Profile are kept only for success, Message only for error.
type Result struct {
	Session *session.Bundle
	Profile *idp.Identity
	Message string
}

// StateStore holds login states. It is the only synchronization point
// between the callback handling a login and the browser polling for it, so
// every mutating operation is atomic per state.
type StateStore interface {
	// CreateLoginState inserts a pending state expiring after ttl.
	CreateLoginState(ctx context.Context, state string, ttl time.Duration) (*LoginState, error)

	// GetLoginState reads a state without consuming it.
	GetLoginState(ctx context.Context, state string) (*LoginState, error)

	// SetLoginStateTerminal moves a pending state to success or error.
	// Only the first call for a state succeeds.
	SetLoginStateTerminal(ctx context.Context, state string, status Status, result Result) error

	// ConsumeLoginState reads a state and deletes it in the same step when
	// it is terminal. Pending states are returned untouched.
	ConsumeLoginState(ctx context.Context, state string) (*LoginState, error)

	// DeleteLoginState removes a state. Deleting a missing state is not an error.
	DeleteLoginState(ctx context.Context, state string) error

	// CleanupExpiredLoginStates deletes every expired state and returns how
	// many were removed.
	CleanupExpiredLoginStates(ctx context.Context) (int, error)

	Close() error
}

func validateTerminal(status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return nil
}

// applyResult copies the fields of result that belong to status onto s
func applyResult(s *LoginState, status Status, result Result) {
	s.Status = status
	s.Session, s.Profile, s.Message = nil, nil, ""
	switch status {
	case StatusSuccess:
		s.Session = result.Session
		s.Profile = result.Profile
	case StatusError:
		s.Message = result.Message
	}
}

// blobCodec serializes the nullable columns of a persisted state. Session
// bundles are encrypted; profiles are stored as plain JSON.
type blobCodec struct {
	encryptor crypto.Encryptor
}

func (c blobCodec) encodeSession(b *session.Bundle) (string, error) {
	if b == nil {
		return "", nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("marshaling session: %w", err)
	}
	sealed, err := c.encryptor.Encrypt(string(data))
	if err != nil {
		return "", fmt.Errorf("encrypting session: %w", err)
	}
	return sealed, nil
}

func (c blobCodec) decodeSession(s string) (*session.Bundle, error) {
	if s == "" {
		return nil, nil
	}
	plain, err := c.encryptor.Decrypt(s)
	if err != nil {
		return nil, fmt.Errorf("decrypting session: %w", err)
	}
	var b session.Bundle
	if err := json.Unmarshal([]byte(plain), &b); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &b, nil
}

func (c blobCodec) encodeProfile(p *idp.Identity) (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling profile: %w", err)
	}
	return string(data), nil
}

func (c blobCodec) decodeProfile(s string) (*idp.Identity, error) {
	if s == "" {
		return nil, nil
	}
	var p idp.Identity
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("unmarshaling profile: %w", err)
	}
	return &p, nil
}
