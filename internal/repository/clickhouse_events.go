package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/key-broker/internal/model"
)

// EventRow is the ClickHouse projection of a usage event.
type EventRow struct {
	LeaseID      string    `db:"lease_id"`
	CredentialID string    `db:"credential_id"`
	SecretHash   string    `db:"secret_hash"`
	ConfigID     string    `db:"config_id"`
	TargetID     string    `db:"target_id"`
	Kind         string    `db:"kind"`
	Tokens       int64     `db:"tokens"`
	Strikes      int32     `db:"strikes"`
	OccurredAt   time.Time `db:"occurred_at"`
}

// EventSink lands usage events in ClickHouse and serves the reports
// endpoint.
type EventSink interface {
	InsertBatch(ctx context.Context, rows []EventRow) error
	ListByCredential(ctx context.Context, credentialID, configID string, kind model.EventKind, limit, offset int) ([]EventRow, error)
}

type eventSinkCH struct {
	ch *sqlx.DB
}

func NewEventSinkCH(ch *sqlx.DB) EventSink {
	return &eventSinkCH{ch: ch}
}

func (s *eventSinkCH) InsertBatch(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO keybroker.usage_events
			(lease_id, credential_id, secret_hash, config_id, target_id, kind, tokens, strikes, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.LeaseID, r.CredentialID, r.SecretHash, r.ConfigID, r.TargetID,
			r.Kind, r.Tokens, r.Strikes, r.OccurredAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *eventSinkCH) ListByCredential(ctx context.Context, credentialID, configID string, kind model.EventKind, limit, offset int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT lease_id, credential_id, secret_hash, config_id, target_id, kind, tokens, strikes, occurred_at
		FROM keybroker.usage_events
		WHERE 1 = 1
	`
	var args []any

	if credentialID != "" {
		q += " AND credential_id = ?"
		args = append(args, credentialID)
	}
	if configID != "" {
		q += " AND config_id = ?"
		args = append(args, configID)
	}
	if kind != "" {
		q += " AND kind = ?"
		args = append(args, kind.String())
	}

	q += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []EventRow
	if err := s.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
