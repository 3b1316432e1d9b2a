package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/key-broker/internal/kafka"
	"github.com/jmehdipour/key-broker/internal/model"
	"github.com/jmehdipour/key-broker/internal/repository"
)

// Sink consumes usage events from Kafka and lands them in ClickHouse in
// size/time-bounded batches. Consumption is at-least-once; ClickHouse
// dedupes replayed batches by lease_id + kind in the reporting queries, so
// commits happen regardless of batch fate.
type Sink struct {
	Consumer *kafka.Consumer
	Events   repository.EventSink
	Log      *zap.Logger

	Workers   int           // goroutines decoding messages
	BatchSize int           // max rows per insert
	BatchWait time.Duration // max latency before a partial flush
}

func NewSink(consumer *kafka.Consumer, events repository.EventSink, log *zap.Logger) *Sink {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{
		Consumer:  consumer,
		Events:    events,
		Log:       log,
		Workers:   8,
		BatchSize: 200,
		BatchWait: 300 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) error {
	if s.Workers <= 0 {
		s.Workers = 8
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 200
	}
	if s.BatchWait <= 0 {
		s.BatchWait = 300 * time.Millisecond
	}

	rows := make(chan repository.EventRow, s.BatchSize*2)
	go s.runBatchWriter(ctx, rows)

	msgCh := make(chan kafka.Message, s.Workers*2)

	// Fetcher goroutine
	go func() {
		defer close(msgCh)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				m, err := s.Consumer.Fetch(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					s.Log.Warn("kafka fetch failed", zap.Error(err))
					time.Sleep(200 * time.Millisecond)
					continue
				}
				msgCh <- m
			}
		}
	}()

	for i := 0; i < s.Workers; i++ {
		go s.runDecoder(ctx, msgCh, rows)
	}

	<-ctx.Done()
	return nil
}

func (s *Sink) runDecoder(ctx context.Context, in <-chan kafka.Message, out chan<- repository.EventRow) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			s.decodeOne(ctx, m, out)
		}
	}
}

func (s *Sink) decodeOne(ctx context.Context, m kafka.Message, out chan<- repository.EventRow) {
	var ev model.UsageEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil || ev.LeaseID == "" || !ev.Kind.Valid() {
		// poison message: commit and skip
		_ = s.Consumer.Commit(ctx, m)
		if err != nil {
			s.Log.Warn("bad usage event json", zap.Error(err))
		} else {
			s.Log.Warn("usage event missing lease id or kind")
		}
		return
	}

	out <- repository.EventRow{
		LeaseID:      ev.LeaseID,
		CredentialID: ev.CredentialID,
		SecretHash:   ev.SecretHash,
		ConfigID:     ev.ConfigID,
		TargetID:     ev.TargetID,
		Kind:         ev.Kind.String(),
		Tokens:       ev.Tokens,
		Strikes:      int32(ev.Strikes),
		OccurredAt:   ev.OccurredAt,
	}

	if err := s.Consumer.Commit(ctx, m); err != nil {
		s.Log.Warn("kafka commit failed", zap.Error(err))
	}
}

func (s *Sink) runBatchWriter(ctx context.Context, in <-chan repository.EventRow) {
	tick := time.NewTicker(s.BatchWait)
	defer tick.Stop()

	batch := make([]repository.EventRow, 0, s.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.Events.InsertBatch(ctx, batch); err != nil {
			s.Log.Error("clickhouse insert failed",
				zap.Int("rows", len(batch)),
				zap.Error(err))
		} else {
			s.Log.Debug("flushed usage events", zap.Int("rows", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case r, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= s.BatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}
