// Package pollclient drives a QR login from the waiting side: it starts an
// attempt, polls until the server reports a terminal status, and hands a
// successful session to a Bootstrapper.
package pollclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/log"
	"github.com/dgellow/qrlogin/internal/session"
)

// Defaults give roughly five minutes of polling
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxAttempts = 150
)

// State is a step of the client state machine
type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StatePolling    State = "polling"
	StateSuccess    State = "success"
	StateExpired    State = "expired"
	StateError      State = "error"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the loop stops in s
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateExpired, StateError, StateCancelled:
		return true
	}
	return false
}

// Server poll statuses
const (
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusExpired  = "expired"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// Initiation is a started login attempt
type Initiation struct {
	State     string    `json:"state"`
	QRURL     string    `json:"qrUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PollResponse is one server answer to a poll
type PollResponse struct {
	Status   string          `json:"status"`
	Token    *session.Bundle `json:"token,omitempty"`
	UserInfo *idp.Identity   `json:"user_info,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Transport reaches the login server
type Transport interface {
	Initiate(ctx context.Context) (*Initiation, error)
	Poll(ctx context.Context, state string) (*PollResponse, error)
}

// Bootstrapper receives the session of a successful login
type Bootstrapper interface {
	Bootstrap(ctx context.Context, bundle *session.Bundle, profile *idp.Identity) error
}

// Event reports a state transition
type Event struct {
	State   State
	QRURL   string
	Attempt int
	Message string
}

// Config tunes a Loop. Zero values take the defaults.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	// Observer, when set, is called synchronously on every transition
	Observer func(Event)
}

// Result is where a run ended
type Result struct {
	State    State
	Session  *session.Bundle
	Profile  *idp.Identity
	Message  string
	Attempts int
	// Err is the cause of an error or cancelled result
	Err error
}

// ErrLoginFailed is the Err of a result the server reported as failed
var ErrLoginFailed = errors.New("login failed")

// Loop runs one login attempt at a time. Polls never overlap.
type Loop struct {
	transport    Transport
	bootstrapper Bootstrapper
	interval     time.Duration
	maxAttempts  int
	observer     func(Event)
}

// NewLoop creates a Loop
func NewLoop(transport Transport, bootstrapper Bootstrapper, cfg Config) *Loop {
	l := &Loop{
		transport:    transport,
		bootstrapper: bootstrapper,
		interval:     cfg.Interval,
		maxAttempts:  cfg.MaxAttempts,
		observer:     cfg.Observer,
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = DefaultMaxAttempts
	}
	return l
}

// Run drives one login to a terminal state. Cancelling ctx stops it
// between or during polls; the server-side attempt is left to expire.
func (l *Loop) Run(ctx context.Context) *Result {
	l.emit(Event{State: StateIdle})
	l.emit(Event{State: StateInitiating})

	init, err := l.transport.Initiate(ctx)
	if ctx.Err() != nil {
		return l.finish(&Result{State: StateCancelled, Err: ctx.Err()})
	}
	if err != nil {
		return l.finish(&Result{State: StateError, Message: "could not start login", Err: err})
	}

	l.emit(Event{State: StatePolling, QRURL: init.QRURL})

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return l.finish(&Result{State: StateCancelled, Attempts: attempt - 1, Err: ctx.Err()})
		case <-ticker.C:
		}

		if res := l.poll(ctx, init.State, attempt); res != nil {
			return l.finish(res)
		}

		if attempt >= l.maxAttempts {
			return l.finish(&Result{
				State:    StateExpired,
				Message:  "login timed out",
				Attempts: attempt,
			})
		}
	}
}

// poll issues one request and returns the terminal result it leads to, or
// nil to keep polling
func (l *Loop) poll(ctx context.Context, state string, attempt int) *Result {
	resp, err := l.transport.Poll(ctx, state)
	if ctx.Err() != nil {
		return &Result{State: StateCancelled, Attempts: attempt, Err: ctx.Err()}
	}
	if err != nil {
		log.LogWarnWithFields("pollclient", "Poll failed", map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		})
		return nil
	}

	switch resp.Status {
	case StatusPending:
		log.LogTraceWithFields("pollclient", "Login pending", map[string]any{"attempt": attempt})
		return nil
	case StatusSuccess:
		if resp.Token == nil {
			return &Result{State: StateError, Message: "server returned no session", Attempts: attempt, Err: ErrLoginFailed}
		}
		if err := l.bootstrapper.Bootstrap(ctx, resp.Token, resp.UserInfo); err != nil {
			return &Result{State: StateError, Message: "could not store session", Attempts: attempt, Err: err}
		}
		return &Result{State: StateSuccess, Session: resp.Token, Profile: resp.UserInfo, Attempts: attempt}
	case StatusExpired, StatusNotFound:
		return &Result{State: StateExpired, Message: "login expired", Attempts: attempt}
	case StatusError:
		return &Result{
			State:    StateError,
			Message:  resp.Message,
			Attempts: attempt,
			Err:      fmt.Errorf("%w: %s", ErrLoginFailed, resp.Message),
		}
	default:
		log.LogWarnWithFields("pollclient", "Unknown poll status", map[string]any{
			"attempt": attempt,
			"status":  resp.Status,
		})
		return nil
	}
}

func (l *Loop) finish(res *Result) *Result {
	l.emit(Event{State: res.State, Attempt: res.Attempts, Message: res.Message})
	return res
}

func (l *Loop) emit(e Event) {
	if l.observer != nil {
		l.observer(e)
	}
}
