package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// OutboxStore persists usage events for the Debezium outbox relay, which
// publishes each row to Kafka based on the topic column.
type OutboxStore interface {
	Insert(ctx context.Context, aggregate, aggregateID, topic string, payload []byte) error
}

type OutboxStoreMySQL struct {
	db *sqlx.DB
}

func NewOutboxStoreMySQL(db *sqlx.DB) *OutboxStoreMySQL {
	return &OutboxStoreMySQL{db: db}
}

var _ OutboxStore = (*OutboxStoreMySQL)(nil)

func (s *OutboxStoreMySQL) Insert(ctx context.Context, aggregate, aggregateID, topic string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, created_at)
		VALUES (?, ?, ?, ?, NOW())
	`, aggregate, aggregateID, topic, payload)
	return err
}
