package account

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgellow/qrlogin/internal/account/migrations"
	"github.com/dgellow/qrlogin/internal/sqlitedb"
)

// Ensure SQLiteRepository implements Repository
var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository stores accounts in SQLite with a unique index on external_id
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the database at path
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sqlitedb.Open(path, migrations.FS)
	if err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) FindByExternalID(ctx context.Context, externalID string) (*Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, external_id, provider, display_name, avatar, provider_metadata, linked_at, updated_at
		 FROM accounts WHERE external_id = ?`,
		externalID,
	)

	var (
		acct               Account
		metadata           string
		linkedAt, updateAt int64
	)
	err := row.Scan(&acct.ID, &acct.ExternalID, &acct.Provider, &acct.DisplayName, &acct.Avatar, &metadata, &linkedAt, &updateAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	if metadata != "" {
		acct.ProviderMetadata = json.RawMessage(metadata)
	}
	acct.LinkedAt = sqlitedb.FromMillis(linkedAt)
	acct.UpdatedAt = sqlitedb.FromMillis(updateAt)
	return &acct, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, acct *Account) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, external_id, provider, display_name, avatar, provider_metadata, linked_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.ExternalID, acct.Provider, acct.DisplayName, acct.Avatar,
		string(acct.ProviderMetadata), sqlitedb.ToMillis(acct.LinkedAt), sqlitedb.ToMillis(acct.UpdatedAt),
	)
	if err != nil {
		if sqlitedb.IsUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, acct *Account) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET display_name = ?, avatar = ?, provider_metadata = ?, updated_at = ? WHERE id = ?`,
		acct.DisplayName, acct.Avatar, string(acct.ProviderMetadata), sqlitedb.ToMillis(acct.UpdatedAt), acct.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Close closes the underlying database
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
