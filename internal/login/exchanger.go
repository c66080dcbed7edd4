package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/qrlogin/internal/account"
	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/log"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/dgellow/qrlogin/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// AccountService provisions accounts and issues their sessions
type AccountService interface {
	FindByExternalID(ctx context.Context, externalID string) (*account.Account, error)
	CreateAccount(ctx context.Context, profile *idp.Identity) (*account.Account, error)
	UpdateAccount(ctx context.Context, acct *account.Account, profile *idp.Identity) (*account.Account, error)
	IssueSession(ctx context.Context, acct *account.Account) (*session.Bundle, error)
}

// Callback is what the provider sends back for a state
type Callback struct {
	Code  string
	State string
	// Error is set when the user declined at the provider
	Error            string
	ErrorDescription string
}

// Outcome tags how a callback was resolved
type Outcome string

const (
	// OutcomeSuccess means the session was written for the poller
	OutcomeSuccess Outcome = "success"
	// OutcomeProviderError means a provider failure was written for the poller
	OutcomeProviderError Outcome = "provider_error"
	// OutcomeDuplicate means another callback resolved the state first and
	// this one's result was discarded
	OutcomeDuplicate Outcome = "duplicate"
)

// Resolution tags how the account was found
type Resolution string

const (
	ResolutionCreated   Resolution = "created"
	ResolutionExisting  Resolution = "existing"
	ResolutionRecovered Resolution = "recovered"
)

// ExchangeResult reports a callback that reached a terminal outcome
type ExchangeResult struct {
	Outcome    Outcome
	Resolution Resolution
	Account    *account.Account
	Session    *session.Bundle
	Profile    *idp.Identity
	Message    string
}

// loginFailedMessage is shown when the failure is ours, not the provider's
const loginFailedMessage = "login failed"

// Exchanger resolves provider callbacks into sessions
type Exchanger struct {
	store     storage.StateStore
	provider  idp.Provider
	accounts  AccountService
	timeout   time.Duration
	// callbacks collapses concurrent callbacks for one state
	callbacks singleflight.Group
	// resolves collapses concurrent account resolution for one identity
	resolves  singleflight.Group
}

// NewExchanger creates an Exchanger. timeout bounds each provider call.
func NewExchanger(store storage.StateStore, provider idp.Provider, accounts AccountService, timeout time.Duration) *Exchanger {
	return &Exchanger{
		store:    store,
		provider: provider,
		accounts: accounts,
		timeout:  timeout,
	}
}

// Exchange validates the callback's state, then runs the code exchange,
// profile fetch, account resolution and session issuance, writing the
// outcome to the state store.
//
// Provider failures are written as terminal errors and reported through the
// result, not as an error. Returned errors are ErrInvalidState,
// ErrInvalidCallback, ErrStateNotFound, ErrStateExpired, ErrStateNotPending
// (none of which touch the store), or ErrStoreUnavailable and
// ErrAccountUnavailable.
func (e *Exchanger) Exchange(ctx context.Context, cb Callback) (*ExchangeResult, error) {
	if !crypto.ValidStateToken(cb.State) {
		return nil, ErrInvalidState
	}
	if cb.Code == "" && cb.Error == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidCallback)
	}

	ls, err := e.store.GetLoginState(ctx, cb.State)
	if err != nil {
		return nil, storeError(err)
	}
	if ls.Status != storage.StatusPending {
		return nil, ErrStateNotPending
	}

	// The browser is waiting on this state; finish even if the caller leaves
	ctx = context.WithoutCancel(ctx)

	// Provider codes are single use, so a retried callback must wait for
	// the first one instead of burning the code again
	leader := false
	v, err, _ := e.callbacks.Do(cb.State, func() (any, error) {
		leader = true
		return e.complete(ctx, cb)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*ExchangeResult)
	if !leader && res.Outcome == OutcomeSuccess {
		return &ExchangeResult{Outcome: OutcomeDuplicate, Resolution: res.Resolution, Account: res.Account}, nil
	}
	return res, nil
}

// complete runs everything after validation for one state
func (e *Exchanger) complete(ctx context.Context, cb Callback) (*ExchangeResult, error) {
	if cb.Error != "" {
		message := "authorization denied"
		if cb.ErrorDescription != "" {
			message += ": " + cb.ErrorDescription
		}
		log.LogInfoWithFields("login", "Provider reported authorization failure", map[string]any{
			"state": log.Redact(cb.State),
			"error": cb.Error,
		})
		return e.fail(ctx, cb.State, message, nil)
	}

	token, err := e.exchangeCode(ctx, cb.Code)
	if err != nil {
		return e.providerFailed(ctx, cb.State, &ProviderError{Op: "code exchange", Err: err})
	}

	profile, err := e.fetchProfile(ctx, token)
	if err != nil {
		return e.providerFailed(ctx, cb.State, &ProviderError{Op: "profile fetch", Err: err})
	}

	acct, resolution, err := e.resolveAccount(ctx, profile)
	if err != nil {
		return e.accountFailed(ctx, cb.State, err)
	}

	bundle, err := e.accounts.IssueSession(ctx, acct)
	if err != nil {
		return e.accountFailed(ctx, cb.State, fmt.Errorf("issuing session: %w", err))
	}

	err = e.store.SetLoginStateTerminal(ctx, cb.State, storage.StatusSuccess, storage.Result{
		Session: bundle,
		Profile: profile,
	})
	if err != nil {
		if lostRace(err) {
			log.LogWarnWithFields("login", "Discarding session for resolved or expired state", map[string]any{
				"state":  log.Redact(cb.State),
				"reason": err.Error(),
			})
			return &ExchangeResult{Outcome: OutcomeDuplicate, Resolution: resolution, Account: acct}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	log.LogInfoWithFields("login", "Login succeeded", map[string]any{
		"state":      log.Redact(cb.State),
		"account":    acct.ID,
		"resolution": string(resolution),
	})

	return &ExchangeResult{
		Outcome:    OutcomeSuccess,
		Resolution: resolution,
		Account:    acct,
		Session:    bundle,
		Profile:    profile,
	}, nil
}

func (e *Exchanger) exchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.provider.ExchangeCode(ctx, code)
}

func (e *Exchanger) fetchProfile(ctx context.Context, token *oauth2.Token) (*idp.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	profile, err := e.provider.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}
	if profile.ExternalID == "" {
		return nil, fmt.Errorf("profile has no external id")
	}
	return profile, nil
}

type resolved struct {
	account    *account.Account
	resolution Resolution
}

// resolveAccount finds, creates or updates the account for profile.
// Concurrent resolves of one identity in this process share a single call;
// across processes the repository's unique constraint decides, and losing
// the create race falls back to the winner's account.
func (e *Exchanger) resolveAccount(ctx context.Context, profile *idp.Identity) (*account.Account, Resolution, error) {
	v, err, _ := e.resolves.Do(profile.ExternalID, func() (any, error) {
		acct, err := e.accounts.FindByExternalID(ctx, profile.ExternalID)
		switch {
		case err == nil:
			acct, err = e.accounts.UpdateAccount(ctx, acct, profile)
			if err != nil {
				return nil, fmt.Errorf("updating account: %w", err)
			}
			return resolved{acct, ResolutionExisting}, nil
		case !errors.Is(err, account.ErrAccountNotFound):
			return nil, fmt.Errorf("finding account: %w", err)
		}

		acct, err = e.accounts.CreateAccount(ctx, profile)
		if err == nil {
			return resolved{acct, ResolutionCreated}, nil
		}
		if !errors.Is(err, account.ErrAccountExists) {
			return nil, fmt.Errorf("creating account: %w", err)
		}

		acct, err = e.accounts.FindByExternalID(ctx, profile.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("refetching account after conflict: %w", err)
		}
		acct, err = e.accounts.UpdateAccount(ctx, acct, profile)
		if err != nil {
			return nil, fmt.Errorf("updating account: %w", err)
		}
		return resolved{acct, ResolutionRecovered}, nil
	})
	if err != nil {
		return nil, "", err
	}
	r := v.(resolved)
	return r.account, r.resolution, nil
}

func (e *Exchanger) providerFailed(ctx context.Context, state string, perr *ProviderError) (*ExchangeResult, error) {
	log.LogWarnWithFields("login", "Provider call failed", map[string]any{
		"state": log.Redact(state),
		"op":    perr.Op,
		"error": perr.Err.Error(),
	})
	return e.fail(ctx, state, perr.Message(), nil)
}

func (e *Exchanger) accountFailed(ctx context.Context, state string, cause error) (*ExchangeResult, error) {
	log.LogErrorWithFields("login", "Account resolution failed", map[string]any{
		"state": log.Redact(state),
		"error": cause.Error(),
	})
	return e.fail(ctx, state, loginFailedMessage, fmt.Errorf("%w: %v", ErrAccountUnavailable, cause))
}

// fail writes a terminal error so the poller stops waiting. cause, when
// set, is returned once the write has been attempted.
func (e *Exchanger) fail(ctx context.Context, state, message string, cause error) (*ExchangeResult, error) {
	err := e.store.SetLoginStateTerminal(ctx, state, storage.StatusError, storage.Result{Message: message})
	switch {
	case err == nil:
	case lostRace(err):
		if cause != nil {
			return nil, cause
		}
		return &ExchangeResult{Outcome: OutcomeDuplicate, Message: message}, nil
	default:
		if cause != nil {
			return nil, errors.Join(cause, fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if cause != nil {
		return nil, cause
	}
	return &ExchangeResult{Outcome: OutcomeProviderError, Message: message}, nil
}

// lostRace reports whether a terminal write failed because the state was
// resolved, expired or reaped in the meantime. ErrStateExpired wraps
// ErrStateNotFound.
func lostRace(err error) bool {
	return errors.Is(err, storage.ErrAlreadyTerminal) || errors.Is(err, storage.ErrStateNotFound)
}
