package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/sqlitedb"
	"github.com/dgellow/qrlogin/internal/storage/migrations"
)

// Ensure SQLiteStorage implements StateStore
var _ StateStore = (*SQLiteStorage)(nil)

// SQLiteStorage keeps login states in an embedded SQLite database. Atomicity
// comes from single statements: the primary key for create, a conditional
// UPDATE for terminal writes, and DELETE ... RETURNING for consumption.
type SQLiteStorage struct {
	db    *sql.DB
	codec blobCodec
	now   func() time.Time
}

const stateColumns = `state, status, session, profile, message, created_at, expires_at`

// NewSQLiteStorage opens (creating if needed) the database at path
func NewSQLiteStorage(path string, encryptor crypto.Encryptor) (*SQLiteStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	db, err := sqlitedb.Open(path, migrations.FS)
	if err != nil {
		return nil, err
	}

	return &SQLiteStorage{
		db:    db,
		codec: blobCodec{encryptor: encryptor},
		now:   time.Now,
	}, nil
}

// CreateLoginState inserts a pending state
func (s *SQLiteStorage) CreateLoginState(ctx context.Context, state string, ttl time.Duration) (*LoginState, error) {
	now := s.now()
	ls := &LoginState{
		State:     state,
		Status:    StatusPending,
		CreatedAt: sqlitedb.FromMillis(sqlitedb.ToMillis(now)),
		ExpiresAt: sqlitedb.FromMillis(sqlitedb.ToMillis(now.Add(ttl))),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO login_states (state, status, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		state, string(StatusPending), sqlitedb.ToMillis(ls.CreatedAt), sqlitedb.ToMillis(ls.ExpiresAt),
	)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return nil, ErrStateExists
		}
		return nil, fmt.Errorf("failed to create login state: %w", err)
	}
	return ls, nil
}

// GetLoginState reads a state, deleting it if expired
func (s *SQLiteStorage) GetLoginState(ctx context.Context, state string) (*LoginState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM login_states WHERE state = ?`, state)
	ls, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get login state: %w", err)
	}

	if ls.Expired(s.now()) {
		if err := s.deleteExpired(ctx, state); err != nil {
			return nil, err
		}
		return nil, ErrStateExpired
	}
	return ls, nil
}

// SetLoginStateTerminal moves a pending state to a terminal status
func (s *SQLiteStorage) SetLoginStateTerminal(ctx context.Context, state string, status Status, result Result) error {
	if err := validateTerminal(status); err != nil {
		return err
	}

	var ls LoginState
	applyResult(&ls, status, result)

	sessionBlob, err := s.codec.encodeSession(ls.Session)
	if err != nil {
		return err
	}
	profileBlob, err := s.codec.encodeProfile(ls.Profile)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE login_states SET status = ?, session = ?, profile = ?, message = ?
		 WHERE state = ? AND status = 'pending' AND expires_at > ?`,
		string(status), sessionBlob, profileBlob, ls.Message,
		state, sqlitedb.ToMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to set login state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set login state: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// The CAS missed; find out why
	_, err = s.GetLoginState(ctx, state)
	if err != nil {
		return err
	}
	return ErrAlreadyTerminal
}

// ConsumeLoginState reads a state and deletes it if terminal. Terminal
// states are only ever returned by the DELETE itself, so two concurrent
// consumers can't both receive the same result.
func (s *SQLiteStorage) ConsumeLoginState(ctx context.Context, state string) (*LoginState, error) {
	// A pending read can race with a terminal write; the second pass picks
	// up the result the first one just missed.
	for range 3 {
		row := s.db.QueryRowContext(ctx,
			`DELETE FROM login_states
			 WHERE state = ? AND status != 'pending' AND expires_at > ?
			 RETURNING `+stateColumns,
			state, sqlitedb.ToMillis(s.now()),
		)
		ls, err := s.scan(row)
		if err == nil {
			return ls, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to consume login state: %w", err)
		}

		ls, err = s.GetLoginState(ctx, state)
		if err != nil {
			return nil, err
		}
		if ls.Status == StatusPending {
			return ls, nil
		}
	}
	return nil, fmt.Errorf("failed to consume login state: terminal state not claimable")
}

// DeleteLoginState removes a state if present
func (s *SQLiteStorage) DeleteLoginState(ctx context.Context, state string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM login_states WHERE state = ?`, state); err != nil {
		return fmt.Errorf("failed to delete login state: %w", err)
	}
	return nil
}

// CleanupExpiredLoginStates removes every expired state
func (s *SQLiteStorage) CleanupExpiredLoginStates(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM login_states WHERE expires_at <= ?`, sqlitedb.ToMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired login states: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired login states: %w", err)
	}
	return int(count), nil
}

// Close closes the underlying database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) deleteExpired(ctx context.Context, state string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM login_states WHERE state = ? AND expires_at <= ?`,
		state, sqlitedb.ToMillis(s.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to delete expired login state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) scan(row *sql.Row) (*LoginState, error) {
	var (
		ls                   LoginState
		status               string
		sessionBlob, profile string
		createdAt, expiresAt int64
	)
	if err := row.Scan(&ls.State, &status, &sessionBlob, &profile, &ls.Message, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	ls.Status = Status(status)
	ls.CreatedAt = sqlitedb.FromMillis(createdAt)
	ls.ExpiresAt = sqlitedb.FromMillis(expiresAt)

	var err error
	if ls.Session, err = s.codec.decodeSession(sessionBlob); err != nil {
		return nil, err
	}
	if ls.Profile, err = s.codec.decodeProfile(profile); err != nil {
		return nil, err
	}
	return &ls, nil
}
