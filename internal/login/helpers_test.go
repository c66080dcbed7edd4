package login

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/qrlogin/internal/account"
	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/dgellow/qrlogin/internal/storage"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const testTTL = 10 * time.Minute

// fakeProvider stands in for the identity provider
type fakeProvider struct {
	mu          sync.Mutex
	profile     idp.Identity
	exchangeErr error
	userInfoErr error
	delay       time.Duration
	// singleUse rejects a code the second time it is exchanged
	singleUse bool
	used      map[string]bool
	exchanges atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		profile: idp.Identity{
			ProviderType: "wechat",
			ExternalID:   "union-1",
			OpenID:       "open-1",
			UnionID:      "union-1",
			Nickname:     "Alice",
			Avatar:       "https://example.com/a.png",
			Raw:          json.RawMessage(`{"openid":"open-1"}`),
		},
	}
}

func (p *fakeProvider) Type() string { return "wechat" }

func (p *fakeProvider) AuthURL(state string) string {
	return "https://open.example.com/connect/qrconnect?state=" + state
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	p.exchanges.Add(1)
	p.mu.Lock()
	delay, exchangeErr := p.delay, p.exchangeErr
	if p.singleUse {
		if p.used[code] {
			p.mu.Unlock()
			return nil, &idp.APIError{Code: 40163, Message: "code been used"}
		}
		if p.used == nil {
			p.used = make(map[string]bool)
		}
		p.used[code] = true
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if exchangeErr != nil {
		return nil, exchangeErr
	}
	return &oauth2.Token{AccessToken: "provider-token-" + code}, nil
}

func (p *fakeProvider) UserInfo(_ context.Context, _ *oauth2.Token) (*idp.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userInfoErr != nil {
		return nil, p.userInfoErr
	}
	profile := p.profile
	return &profile, nil
}

// countingRepo records how many accounts were actually inserted
type countingRepo struct {
	account.Repository
	created atomic.Int32
}

func (r *countingRepo) Create(ctx context.Context, acct *account.Account) error {
	err := r.Repository.Create(ctx, acct)
	if err == nil {
		r.created.Add(1)
	}
	return err
}

// failingStore fails every call with err
type failingStore struct {
	storage.StateStore
	err error
}

func (s failingStore) CreateLoginState(context.Context, string, time.Duration) (*storage.LoginState, error) {
	return nil, s.err
}

func (s failingStore) GetLoginState(context.Context, string) (*storage.LoginState, error) {
	return nil, s.err
}

func (s failingStore) ConsumeLoginState(context.Context, string) (*storage.LoginState, error) {
	return nil, s.err
}

// mockAccounts is a testify mock of AccountService
type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) FindByExternalID(ctx context.Context, externalID string) (*account.Account, error) {
	args := m.Called(ctx, externalID)
	acct, _ := args.Get(0).(*account.Account)
	return acct, args.Error(1)
}

func (m *mockAccounts) CreateAccount(ctx context.Context, profile *idp.Identity) (*account.Account, error) {
	args := m.Called(ctx, profile)
	acct, _ := args.Get(0).(*account.Account)
	return acct, args.Error(1)
}

func (m *mockAccounts) UpdateAccount(ctx context.Context, acct *account.Account, profile *idp.Identity) (*account.Account, error) {
	args := m.Called(ctx, acct, profile)
	updated, _ := args.Get(0).(*account.Account)
	return updated, args.Error(1)
}

func (m *mockAccounts) IssueSession(ctx context.Context, acct *account.Account) (*session.Bundle, error) {
	args := m.Called(ctx, acct)
	bundle, _ := args.Get(0).(*session.Bundle)
	return bundle, args.Error(1)
}

var errBoom = errors.New("boom")

type harness struct {
	store     *storage.MemoryStorage
	provider  *fakeProvider
	repo      *countingRepo
	issuer    *session.Issuer
	initiator *Initiator
	exchanger *Exchanger
	poller    *Poller
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	issuer, err := session.NewIssuer(session.IssuerConfig{
		Issuer:     "https://login.example.com",
		SigningKey: []byte("test-signing-key-that-is-32-bytes!"),
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	h := &harness{
		store:    storage.NewMemoryStorage(),
		provider: newFakeProvider(),
		repo:     &countingRepo{Repository: account.NewMemoryRepository()},
		issuer:   issuer,
	}
	h.initiator = NewInitiator(h.store, h.provider, testTTL)
	h.exchanger = NewExchanger(h.store, h.provider, account.NewService(h.repo, issuer), time.Second)
	h.poller = NewPoller(h.store)
	return h
}

func (h *harness) initiate(t *testing.T) string {
	t.Helper()
	init, err := h.initiator.Initiate(context.Background())
	require.NoError(t, err)
	return init.State
}
