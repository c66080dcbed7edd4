package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/idp"
	"github.com/dgellow/qrlogin/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncryptionKey = "test-encryption-key-32-bytes-ok!"

// fakeClock is a settable time source shared by a store under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewEncryptor([]byte(testEncryptionKey))
	require.NoError(t, err)
	return enc
}

func testResult() Result {
	return Result{
		Session: &session.Bundle{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			TokenType:    "Bearer",
			ExpiresAt:    time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
		},
		Profile: &idp.Identity{
			ProviderType: "wechat",
			ExternalID:   "union-1",
			OpenID:       "open-1",
			UnionID:      "union-1",
			Nickname:     "Alice",
			Avatar:       "https://example.com/a.png",
		},
	}
}

// runStateStoreTests exercises the behavior every StateStore must share.
// newStore returns a fresh store driven by the given clock.
func runStateStoreTests(t *testing.T, newStore func(t *testing.T, clock *fakeClock) StateStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)

		created, err := store.CreateLoginState(ctx, "state-1", 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, created.Status)
		assert.True(t, created.ExpiresAt.Equal(clock.Now().Add(10*time.Minute)))

		got, err := store.GetLoginState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, "state-1", got.State)
		assert.Equal(t, StatusPending, got.Status)
		assert.Nil(t, got.Session)
		assert.Nil(t, got.Profile)
		assert.Empty(t, got.Message)
	})

	t.Run("duplicate create is rejected", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		_, err = store.CreateLoginState(ctx, "state-1", time.Minute)
		assert.ErrorIs(t, err, ErrStateExists)
	})

	t.Run("unknown state", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.GetLoginState(ctx, "missing")
		assert.ErrorIs(t, err, ErrStateNotFound)
		assert.NotErrorIs(t, err, ErrStateExpired)

		_, err = store.ConsumeLoginState(ctx, "missing")
		assert.ErrorIs(t, err, ErrStateNotFound)

		err = store.SetLoginStateTerminal(ctx, "missing", StatusError, Result{Message: "x"})
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("expired state is reported then gone", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		clock.Advance(time.Minute)

		_, err = store.GetLoginState(ctx, "state-1")
		assert.ErrorIs(t, err, ErrStateExpired)

		_, err = store.GetLoginState(ctx, "state-1")
		assert.ErrorIs(t, err, ErrStateNotFound)
		assert.NotErrorIs(t, err, ErrStateExpired)
	})

	t.Run("expired state rejects terminal write", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)

		err = store.SetLoginStateTerminal(ctx, "state-1", StatusSuccess, testResult())
		assert.ErrorIs(t, err, ErrStateExpired)
	})

	t.Run("terminal write round trips", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		want := testResult()
		require.NoError(t, store.SetLoginStateTerminal(ctx, "state-1", StatusSuccess, want))

		got, err := store.GetLoginState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, got.Status)
		require.NotNil(t, got.Session)
		assert.Equal(t, want.Session.AccessToken, got.Session.AccessToken)
		assert.Equal(t, want.Session.RefreshToken, got.Session.RefreshToken)
		assert.True(t, want.Session.ExpiresAt.Equal(got.Session.ExpiresAt))
		require.NotNil(t, got.Profile)
		assert.Equal(t, "union-1", got.Profile.ExternalID)
		assert.Equal(t, "Alice", got.Profile.Nickname)
	})

	t.Run("error result drops session and profile", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		result := testResult()
		result.Message = "access denied"
		require.NoError(t, store.SetLoginStateTerminal(ctx, "state-1", StatusError, result))

		got, err := store.GetLoginState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, StatusError, got.Status)
		assert.Equal(t, "access denied", got.Message)
		assert.Nil(t, got.Session)
		assert.Nil(t, got.Profile)
	})

	t.Run("pending is not a terminal status", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		err = store.SetLoginStateTerminal(ctx, "state-1", StatusPending, Result{})
		assert.Error(t, err)
	})

	t.Run("second terminal write loses", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, store.SetLoginStateTerminal(ctx, "state-1", StatusSuccess, testResult()))
		err = store.SetLoginStateTerminal(ctx, "state-1", StatusError, Result{Message: "late"})
		assert.ErrorIs(t, err, ErrAlreadyTerminal)

		got, err := store.GetLoginState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, got.Status)
	})

	t.Run("concurrent terminal writes have one winner", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		const writers = 16
		var wins, losses atomic.Int32
		var wg sync.WaitGroup
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				status := StatusSuccess
				if i%2 == 1 {
					status = StatusError
				}
				err := store.SetLoginStateTerminal(ctx, "state-1", status, Result{Message: "m"})
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, ErrAlreadyTerminal):
					losses.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(writers-1), losses.Load())
	})

	t.Run("consume leaves pending state in place", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		got, err := store.ConsumeLoginState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)

		_, err = store.GetLoginState(ctx, "state-1")
		assert.NoError(t, err)
	})

	t.Run("consume deletes terminal state", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.SetLoginStateTerminal(ctx, "state-1", StatusSuccess, testResult()))

		got, err := store.ConsumeLoginState(ctx, "state-1")
		require.NoError(t, err)
		assert.Equal(t, StatusSuccess, got.Status)
		require.NotNil(t, got.Session)
		assert.Equal(t, "access-token", got.Session.AccessToken)

		_, err = store.ConsumeLoginState(ctx, "state-1")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("concurrent consumers receive the result once", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.SetLoginStateTerminal(ctx, "state-1", StatusSuccess, testResult()))

		const pollers = 16
		var delivered, missing atomic.Int32
		var wg sync.WaitGroup
		for range pollers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ls, err := store.ConsumeLoginState(ctx, "state-1")
				switch {
				case err == nil && ls.Status == StatusSuccess:
					delivered.Add(1)
				case errors.Is(err, ErrStateNotFound):
					missing.Add(1)
				default:
					t.Errorf("unexpected consume result: %+v, %v", ls, err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), delivered.Load())
		assert.Equal(t, int32(pollers-1), missing.Load())
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := newStore(t, newFakeClock())

		_, err := store.CreateLoginState(ctx, "state-1", time.Minute)
		require.NoError(t, err)

		require.NoError(t, store.DeleteLoginState(ctx, "state-1"))
		require.NoError(t, store.DeleteLoginState(ctx, "state-1"))

		_, err = store.GetLoginState(ctx, "state-1")
		assert.ErrorIs(t, err, ErrStateNotFound)
	})

	t.Run("cleanup removes only expired states", func(t *testing.T) {
		clock := newFakeClock()
		store := newStore(t, clock)

		_, err := store.CreateLoginState(ctx, "short-1", time.Minute)
		require.NoError(t, err)
		_, err = store.CreateLoginState(ctx, "short-2", time.Minute)
		require.NoError(t, err)
		_, err = store.CreateLoginState(ctx, "long", time.Hour)
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)

		count, err := store.CleanupExpiredLoginStates(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		_, err = store.GetLoginState(ctx, "long")
		assert.NoError(t, err)

		count, err = store.CleanupExpiredLoginStates(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
