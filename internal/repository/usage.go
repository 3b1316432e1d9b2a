package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/key-broker/internal/model"
)

// LedgerStore is the usage ledger: one row per (credential, target) holding
// rolling-minute counters, the daily counter, strikes and the cooldown
// release time. It is the single source of truth for quota enforcement, so
// ApplySuccess and ApplyPenalty must be atomic under concurrent callers.
// The read side may be a plain snapshot, but no write may be built from a
// counter read in the caller.
type LedgerStore interface {
	// Get returns the row for (credentialID, targetID), or nil when the
	// pair has never been used.
	Get(ctx context.Context, credentialID, targetID string) (*model.UsageRecord, error)
	// List returns every row; used for the pool rebuild at startup.
	List(ctx context.Context) ([]model.UsageRecord, error)
	// ApplySuccess records one successful request atomically: stale window
	// and day counters are reset in the same statement that increments
	// them, and strikes/cooldown are cleared. Returns the row as written.
	ApplySuccess(ctx context.Context, credentialID, targetID string, tokens int64, now time.Time) (model.UsageRecord, error)
	// ApplyPenalty persists an escalated strike count and cooldown release
	// time, creating the row if the pair has never succeeded.
	ApplyPenalty(ctx context.Context, credentialID, targetID string, strikes int, releaseAt time.Time, now time.Time) error
	// ResetStrikes clears strikes and cooldowns on every row of a
	// credential; the operator path for reviving a penalized credential.
	ResetStrikes(ctx context.Context, credentialID string) error
}

type LedgerStoreMySQL struct {
	db *sqlx.DB
}

func NewLedgerStoreMySQL(db *sqlx.DB) *LedgerStoreMySQL {
	return &LedgerStoreMySQL{db: db}
}

var _ LedgerStore = (*LedgerStoreMySQL)(nil)

func (s *LedgerStoreMySQL) Get(ctx context.Context, credentialID, targetID string) (*model.UsageRecord, error) {
	var r model.UsageRecord
	err := s.db.GetContext(ctx, &r, `
		SELECT credential_id, target_id, window_start, window_requests, window_tokens,
		       day_key, day_requests, strikes, release_at
		  FROM usage_records
		 WHERE credential_id = ? AND target_id = ? LIMIT 1
	`, credentialID, targetID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *LedgerStoreMySQL) List(ctx context.Context) ([]model.UsageRecord, error) {
	var out []model.UsageRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT credential_id, target_id, window_start, window_requests, window_tokens,
		       day_key, day_requests, strikes, release_at
		  FROM usage_records
	`)
	return out, err
}

// ApplySuccess runs the increment-and-reset-if-stale logic inside a single
// upsert so two concurrent successes can never both read the same
// pre-increment counter. Assignment order matters: window_requests and
// window_tokens are computed while window_start still holds the old value
// (MySQL applies ON DUPLICATE KEY assignments left to right), and likewise
// day_requests before day_key.
func (s *LedgerStoreMySQL) ApplySuccess(ctx context.Context, credentialID, targetID string, tokens int64, now time.Time) (model.UsageRecord, error) {
	ts := now.Unix()
	day := model.DayKeyOf(now)
	windowSec := int64(model.WindowLength / time.Second)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(credential_id, target_id, window_start, window_requests, window_tokens,
			 day_key, day_requests, strikes, release_at)
		VALUES (?, ?, ?, 1, ?, ?, 1, 0, 0)
		ON DUPLICATE KEY UPDATE
			window_requests = IF(VALUES(window_start) - window_start >= ?, 1, window_requests + 1),
			window_tokens   = IF(VALUES(window_start) - window_start >= ?, VALUES(window_tokens), window_tokens + VALUES(window_tokens)),
			window_start    = IF(VALUES(window_start) - window_start >= ?, VALUES(window_start), window_start),
			day_requests    = IF(day_key <> VALUES(day_key), 1, day_requests + 1),
			day_key         = VALUES(day_key),
			strikes         = 0,
			release_at      = 0
	`, credentialID, targetID, ts, tokens, day,
		windowSec, windowSec, windowSec)
	if err != nil {
		return model.UsageRecord{}, err
	}

	r, err := s.Get(ctx, credentialID, targetID)
	if err != nil {
		return model.UsageRecord{}, err
	}
	if r == nil {
		// Row was written above; absence means it was deleted underneath us.
		return model.UsageRecord{CredentialID: credentialID, TargetID: targetID}, nil
	}
	return *r, nil
}

func (s *LedgerStoreMySQL) ApplyPenalty(ctx context.Context, credentialID, targetID string, strikes int, releaseAt time.Time, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(credential_id, target_id, window_start, window_requests, window_tokens,
			 day_key, day_requests, strikes, release_at)
		VALUES (?, ?, ?, 0, 0, ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE
			strikes    = VALUES(strikes),
			release_at = VALUES(release_at)
	`, credentialID, targetID, now.Unix(), model.DayKeyOf(now), strikes, releaseAt.Unix())
	return err
}

func (s *LedgerStoreMySQL) ResetStrikes(ctx context.Context, credentialID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE usage_records SET strikes = 0, release_at = 0 WHERE credential_id = ?
	`, credentialID)
	return err
}
