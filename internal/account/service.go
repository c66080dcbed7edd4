package account

import (
	"context"
	"fmt"
	"time"

	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/google/uuid"
)

// Service provisions accounts from provider identities and issues their
// sessions.
type Service struct {
	repo   Repository
	issuer *session.Issuer
	now    func() time.Time
}

// NewService creates a Service backed by repo
func NewService(repo Repository, issuer *session.Issuer) *Service {
	return &Service{
		repo:   repo,
		issuer: issuer,
		now:    time.Now,
	}
}

// FindByExternalID returns the account linked to externalID
func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*Account, error) {
	return s.repo.FindByExternalID(ctx, externalID)
}

// CreateAccount links a new account to profile. It returns ErrAccountExists
// when the identity is already linked.
func (s *Service) CreateAccount(ctx context.Context, profile *idp.Identity) (*Account, error) {
	if profile == nil || profile.ExternalID == "" {
		return nil, fmt.Errorf("profile has no external id")
	}

	now := s.now().UTC()
	acct := &Account{
		ID:               uuid.NewString(),
		ExternalID:       profile.ExternalID,
		Provider:         profile.ProviderType,
		DisplayName:      profile.Nickname,
		Avatar:           profile.Avatar,
		ProviderMetadata: profile.Raw,
		LinkedAt:         now,
		UpdatedAt:        now,
	}
	if err := s.repo.Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// UpdateAccount refreshes the mutable fields of acct from profile
func (s *Service) UpdateAccount(ctx context.Context, acct *Account, profile *idp.Identity) (*Account, error) {
	updated := cloneAccount(acct)
	updated.DisplayName = profile.Nickname
	updated.Avatar = profile.Avatar
	if len(profile.Raw) > 0 {
		updated.ProviderMetadata = profile.Raw
	}
	updated.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// IssueSession mints a session for acct
func (s *Service) IssueSession(_ context.Context, acct *Account) (*session.Bundle, error) {
	return s.issuer.Issue(acct.ID)
}
