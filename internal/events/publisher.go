// Package events publishes broker usage events for analytics. Publishing is
// best-effort: the broker's quota enforcement never depends on an event
// reaching the sink.
package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/jmehdipour/key-broker/internal/model"
	"github.com/jmehdipour/key-broker/internal/repository"
)

type Publisher interface {
	Publish(ctx context.Context, ev model.UsageEvent)
}

// Noop discards events; the default when no analytics pipeline is wired.
type Noop struct{}

func (Noop) Publish(context.Context, model.UsageEvent) {}

// Outbox writes events into the MySQL outbox table, from where the Debezium
// relay publishes them to Kafka.
type Outbox struct {
	store repository.OutboxStore
	topic string
	log   *zap.Logger
}

func NewOutbox(store repository.OutboxStore, topic string, log *zap.Logger) *Outbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &Outbox{store: store, topic: topic, log: log}
}

var _ Publisher = (*Outbox)(nil)

func (p *Outbox) Publish(ctx context.Context, ev model.UsageEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal usage event", zap.Error(err))
		return
	}
	if err := p.store.Insert(ctx, "usage_event", ev.LeaseID, p.topic, payload); err != nil {
		p.log.Error("outbox insert failed",
			zap.String("lease_id", ev.LeaseID),
			zap.String("credential_id", ev.CredentialID),
			zap.Error(err))
	}
}
