package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/key-broker/internal/model"
)

// ErrCredentialExists is returned by Add when the id is already registered.
var ErrCredentialExists = errors.New("repository: credential already exists")

// ErrCredentialNotFound is returned by point lookups and updates that match
// no row.
var ErrCredentialNotFound = errors.New("repository: credential not found")

// CredentialStore is the durable credential registry.
type CredentialStore interface {
	// List returns all credentials, revoked ones included, ordered by
	// (priority, id). The pool decides eligibility.
	List(ctx context.Context) ([]model.Credential, error)
	Get(ctx context.Context, id string) (*model.Credential, error)
	Add(ctx context.Context, id, secret string, tier model.Tier, priority int) error
	UpdateSecret(ctx context.Context, id, secret string) error
	UpdateTier(ctx context.Context, id string, tier model.Tier) error
	UpdatePriority(ctx context.Context, id string, priority int) error
	// MarkRevoked permanently retires a credential (fatal auth failure).
	MarkRevoked(ctx context.Context, id string) error
	// ClearRevoked is the operator recovery path for a revoked credential.
	ClearRevoked(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

type CredentialStoreMySQL struct {
	db *sqlx.DB
}

func NewCredentialStoreMySQL(db *sqlx.DB) *CredentialStoreMySQL {
	return &CredentialStoreMySQL{db: db}
}

var _ CredentialStore = (*CredentialStoreMySQL)(nil)

func (s *CredentialStoreMySQL) List(ctx context.Context) ([]model.Credential, error) {
	var out []model.Credential
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, secret, tier, priority, created_at, revoked_at
		  FROM credentials
		 ORDER BY priority ASC, id ASC
	`)
	return out, err
}

func (s *CredentialStoreMySQL) Get(ctx context.Context, id string) (*model.Credential, error) {
	var c model.Credential
	err := s.db.GetContext(ctx, &c, `
		SELECT id, secret, tier, priority, created_at, revoked_at
		  FROM credentials
		 WHERE id = ? LIMIT 1
	`, id)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *CredentialStoreMySQL) Add(ctx context.Context, id, secret string, tier model.Tier, priority int) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, secret, tier, priority, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE id = id
	`, id, secret, tier.String(), priority, time.Now().UTC())
	if err != nil {
		return err
	}
	// ON DUPLICATE KEY with a no-op assignment reports 0 affected rows.
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialExists
	}
	return nil
}

func (s *CredentialStoreMySQL) UpdateSecret(ctx context.Context, id, secret string) error {
	return s.exec(ctx, `UPDATE credentials SET secret = ? WHERE id = ?`, secret, id)
}

func (s *CredentialStoreMySQL) UpdateTier(ctx context.Context, id string, tier model.Tier) error {
	return s.exec(ctx, `UPDATE credentials SET tier = ? WHERE id = ?`, tier.String(), id)
}

func (s *CredentialStoreMySQL) UpdatePriority(ctx context.Context, id string, priority int) error {
	return s.exec(ctx, `UPDATE credentials SET priority = ? WHERE id = ?`, priority, id)
}

func (s *CredentialStoreMySQL) MarkRevoked(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE credentials SET revoked_at = COALESCE(revoked_at, ?) WHERE id = ?`, time.Now().UTC(), id)
}

func (s *CredentialStoreMySQL) ClearRevoked(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE credentials SET revoked_at = NULL WHERE id = ?`, id)
}

func (s *CredentialStoreMySQL) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM credentials WHERE id = ?`, id)
}

func (s *CredentialStoreMySQL) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	// MySQL reports 0 affected rows both for a missing row and for an
	// update that changed nothing; fall back to an existence probe.
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := s.db.QueryRowxContext(ctx, `SELECT 1 FROM credentials WHERE id = ? LIMIT 1`, lastArg(args)).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrCredentialNotFound
		}
		return err
	}
	return nil
}

func lastArg(args []any) any { return args[len(args)-1] }
