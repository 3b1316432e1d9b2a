// Package broker hands out credentials from a shared pool, enforcing
// per-(credential, target) quota windows, escalating cooldowns on
// attributable failures, and permanently retiring credentials that fail
// unrecoverably. In-process pool state is a cache: the registry and the
// usage ledger stay authoritative, so a restart rebuilds the same
// enforcement view (only rotation order is lost).
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/key-broker/internal/catalog"
	"github.com/jmehdipour/key-broker/internal/events"
	"github.com/jmehdipour/key-broker/internal/metrics"
	"github.com/jmehdipour/key-broker/internal/model"
	"github.com/jmehdipour/key-broker/internal/repository"
	"github.com/jmehdipour/key-broker/internal/util"
)

const (
	// MaxStrikes is the consecutive hard-failure count at which a
	// credential is retired for every configuration.
	MaxStrikes = 5
	// FatalStrikes marks a credential killed by ReportFatal; any value at
	// or above MaxStrikes keeps it dead across restarts.
	FatalStrikes = 999
)

// cooldownSteps maps the nth strike to its cooldown; strikes past the end
// clamp to the last entry.
var cooldownSteps = []time.Duration{
	10 * time.Second,
	60 * time.Second,
	300 * time.Second,
	3600 * time.Second,
}

func cooldownFor(strikes int) time.Duration {
	if strikes < 1 {
		strikes = 1
	}
	if strikes > len(cooldownSteps) {
		strikes = len(cooldownSteps)
	}
	return cooldownSteps[strikes-1]
}

// Sentinel errors. Capacity conditions are Result values, not errors; these
// cover genuine defects only.
var (
	ErrUnknownConfig   = errors.New("broker: unknown config")
	ErrInvalidEstimate = errors.New("broker: token estimate must be >= 0")
	ErrNilLease        = errors.New("broker: nil lease")
	ErrInvalidSeverity = errors.New("broker: invalid failure severity")
)

type Broker struct {
	catalog *catalog.Catalog
	creds   repository.CredentialStore
	ledger  repository.LedgerStore
	pub     events.Publisher
	log     *zap.Logger

	allowPaidFallback bool
	minReuseInterval  time.Duration
	now               func() time.Time

	mu          sync.Mutex
	pool        *pool
	credentials map[string]model.Credential
	strikes     map[string]int
	lastUsed    map[string]time.Time
}

type Option func(*Broker)

// WithPublisher wires a usage-event publisher (default: discard).
func WithPublisher(p events.Publisher) Option {
	return func(b *Broker) { b.pub = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithPaidFallback controls whether paid credentials may serve free-tier
// configurations (default true).
func WithPaidFallback(allow bool) Option {
	return func(b *Broker) { b.allowPaidFallback = allow }
}

// WithMinReuseInterval enforces a minimum gap between grants of the same
// credential (default 0 = off).
func WithMinReuseInterval(d time.Duration) Option {
	return func(b *Broker) { b.minReuseInterval = d }
}

// WithClock overrides the time source; tests use it to cross window and day
// boundaries.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New builds a broker and performs the initial pool rebuild from the
// registry and ledger.
func New(ctx context.Context, cat *catalog.Catalog, creds repository.CredentialStore, ledger repository.LedgerStore, opts ...Option) (*Broker, error) {
	b := &Broker{
		catalog:           cat,
		creds:             creds,
		ledger:            ledger,
		pub:               events.Noop{},
		log:               zap.NewNop(),
		allowPaidFallback: true,
		now:               time.Now,
		pool:              newPool(),
		credentials:       make(map[string]model.Credential),
		strikes:           make(map[string]int),
		lastUsed:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.Reload(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Reload performs a full rebuild of the runtime pool from durable state.
// Called at startup and after any registry mutation.
func (b *Broker) Reload(ctx context.Context) error {
	creds, err := b.creds.List(ctx)
	if err != nil {
		return fmt.Errorf("broker: list credentials: %w", err)
	}
	records, err := b.ledger.List(ctx)
	if err != nil {
		return fmt.Errorf("broker: list usage records: %w", err)
	}

	// Per credential: the highest strike count and the furthest release
	// across its targets. Strikes at MaxStrikes kill the credential
	// globally; a future release only parks it.
	maxStrikes := make(map[string]int)
	maxRelease := make(map[string]int64)
	for _, r := range records {
		if r.Strikes > maxStrikes[r.CredentialID] {
			maxStrikes[r.CredentialID] = r.Strikes
		}
		if r.ReleaseAt > maxRelease[r.CredentialID] {
			maxRelease[r.CredentialID] = r.ReleaseAt
		}
	}

	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pool = newPool()
	b.credentials = make(map[string]model.Credential, len(creds))
	b.strikes = make(map[string]int, len(creds))

	for _, c := range creds {
		b.credentials[c.ID] = c
		b.strikes[c.ID] = maxStrikes[c.ID]

		switch {
		case c.Revoked() || maxStrikes[c.ID] >= MaxStrikes:
			b.pool.dead[c.ID] = struct{}{}
		case maxRelease[c.ID] > now.Unix():
			b.pool.cooldown[c.ID] = time.Unix(maxRelease[c.ID], 0)
		default:
			b.pool.enqueue(c.ID)
		}
	}
	b.pool.shuffleAvailable()
	b.updatePoolGauges()

	b.log.Info("pool rebuilt",
		zap.Int("available", len(b.pool.available)),
		zap.Int("cooldown", len(b.pool.cooldown)),
		zap.Int("dead", len(b.pool.dead)))
	return nil
}

// Acquire returns a credential currently within budget for configID, or a
// wait hint. It never blocks: callers decide whether to sleep on
// RetryAfter and retry. The returned credential is re-enqueued at the back
// of the rotation immediately; the caller's report call settles real state.
func (b *Broker) Acquire(ctx context.Context, configID string, estimatedTokens int64) (Result, error) {
	entry, ok := b.catalog.Lookup(configID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownConfig, configID)
	}
	if estimatedTokens < 0 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidEstimate, estimatedTokens)
	}

	// A request larger than the whole per-minute token budget can never
	// succeed; reject before touching the pool or the ledger.
	if estimatedTokens > entry.Limits.TPM {
		metrics.AcquiresTotal.WithLabelValues(configID, OutcomeFatalRequest.String()).Inc()
		return Result{Outcome: OutcomeFatalRequest, TargetID: entry.TargetID}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pool.reclaim(now)

	eligible := 0
	minWait := time.Duration(-1)
	noteWait := func(d time.Duration) {
		if d < time.Second {
			d = time.Second
		}
		if minWait < 0 || d < minWait {
			minWait = d
		}
	}

	// Cooling-down candidates still count toward the wait hint; otherwise
	// a fully-cooled pool would masquerade as having no credentials.
	for id, releaseAt := range b.pool.cooldown {
		c, ok := b.credentials[id]
		if !ok || !b.tierServes(c.Tier, entry.RequiredTier) {
			continue
		}
		eligible++
		noteWait(releaseAt.Sub(now))
	}

	var busy []string
	rotation := len(b.pool.available)
	for i := 0; i < rotation; i++ {
		id, ok := b.pool.popFront()
		if !ok {
			break
		}
		c, known := b.credentials[id]
		if !known || b.pool.isDead(id) {
			continue // dropped from registry or raced to dead; fall out of rotation
		}
		if !b.tierServes(c.Tier, entry.RequiredTier) {
			busy = append(busy, id)
			continue
		}
		eligible++

		if b.minReuseInterval > 0 {
			if since := now.Sub(b.lastUsed[id]); since < b.minReuseInterval {
				noteWait(b.minReuseInterval - since)
				busy = append(busy, id)
				continue
			}
		}

		rec, err := b.ledger.Get(ctx, id, entry.TargetID)
		if err != nil {
			// Fail closed: with the ledger unreachable no credential can
			// be proven within budget. Restore the rotation untouched.
			b.pool.requeueFront(append(busy, id))
			return Result{}, fmt.Errorf("broker: usage lookup for %s: %w", id, err)
		}

		if wait, usable := evaluate(rec, entry.Limits, estimatedTokens, now); !usable {
			noteWait(wait)
			busy = append(busy, id)
			continue
		}

		// First fit wins: restore the skipped candidates in order, then
		// optimistic re-enqueue at the back.
		b.pool.requeueFront(busy)
		b.pool.enqueue(id)
		b.lastUsed[id] = now

		lease := &Lease{
			ID:         util.NewLeaseID(),
			Credential: c,
			ConfigID:   configID,
			TargetID:   entry.TargetID,
		}
		metrics.AcquiresTotal.WithLabelValues(configID, OutcomeAcquired.String()).Inc()
		b.publish(ctx, lease, model.EventAcquired, estimatedTokens, 0)
		b.log.Debug("credential acquired",
			zap.String("lease_id", lease.ID),
			zap.String("credential_id", id),
			zap.String("config_id", configID))
		return Result{Outcome: OutcomeAcquired, Lease: lease, TargetID: entry.TargetID}, nil
	}
	b.pool.requeueFront(busy)

	if eligible == 0 {
		metrics.AcquiresTotal.WithLabelValues(configID, OutcomeNoCandidates.String()).Inc()
		return Result{Outcome: OutcomeNoCandidates, TargetID: entry.TargetID}, nil
	}
	if minWait < 0 {
		minWait = 5 * time.Second
	}
	metrics.AcquiresTotal.WithLabelValues(configID, OutcomeExhausted.String()).Inc()
	return Result{Outcome: OutcomeExhausted, TargetID: entry.TargetID, RetryAfter: minWait}, nil
}

// evaluate checks one ledger row against the limits, treating stale window
// and day counters as zero. Returns the wait hint when the candidate is
// busy.
func evaluate(rec *model.UsageRecord, limits catalog.Limits, estimatedTokens int64, now time.Time) (time.Duration, bool) {
	if rec == nil {
		return 0, true // never used for this target
	}

	requests, tokens := rec.EffectiveWindow(now)
	switch {
	case requests >= limits.RPM:
		return rec.WindowResetIn(now), false
	case tokens+estimatedTokens > limits.TPM:
		return rec.WindowResetIn(now), false
	case rec.EffectiveDay(now) >= limits.RPD:
		return model.NextUTCDay(now).Sub(now), false
	}
	return 0, true
}

func (b *Broker) tierServes(have, required model.Tier) bool {
	if have == model.TierPaid && required == model.TierFree {
		return b.allowPaidFallback
	}
	return have.Serves(required)
}

// ReportSuccess books one completed request against the lease's ledger row
// and clears the credential's failure history. Bookkeeping is always
// recorded, even while the credential cools down for another target.
func (b *Broker) ReportSuccess(ctx context.Context, lease *Lease, actualTokens int64) error {
	if lease == nil {
		return ErrNilLease
	}
	if actualTokens < 0 {
		actualTokens = 0
	}

	rec, err := b.ledger.ApplySuccess(ctx, lease.Credential.ID, lease.TargetID, actualTokens, b.now())
	if err != nil {
		return fmt.Errorf("broker: apply success for %s: %w", lease.Credential.ID, err)
	}

	b.mu.Lock()
	b.strikes[lease.Credential.ID] = 0
	b.mu.Unlock()

	metrics.ReportsTotal.WithLabelValues("success").Inc()
	b.publish(ctx, lease, model.EventSuccess, actualTokens, rec.Strikes)
	return nil
}

// ReportFailure applies a failure report. Soft failures re-enqueue the
// credential with no penalty. Hard failures escalate strikes into
// cooldowns, and at MaxStrikes retire the credential globally. The penalty
// is persisted before returning so concurrent acquires elsewhere observe
// the cooldown.
func (b *Broker) ReportFailure(ctx context.Context, lease *Lease, severity Severity) error {
	if lease == nil {
		return ErrNilLease
	}
	if !severity.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSeverity, severity)
	}
	id := lease.Credential.ID

	if severity == SeveritySoft {
		b.mu.Lock()
		b.pool.enqueue(id)
		b.mu.Unlock()
		metrics.ReportsTotal.WithLabelValues("soft_failure").Inc()
		return nil
	}

	b.mu.Lock()
	strikes := b.strikes[id] + 1
	b.strikes[id] = strikes
	b.mu.Unlock()

	now := b.now()
	metrics.ReportsTotal.WithLabelValues("hard_failure").Inc()
	metrics.StrikesTotal.Inc()

	if strikes >= MaxStrikes {
		if err := b.retire(ctx, lease, strikes); err != nil {
			return err
		}
		b.publish(ctx, lease, model.EventFailure, 0, strikes)
		return nil
	}

	releaseAt := now.Add(cooldownFor(strikes))
	if err := b.ledger.ApplyPenalty(ctx, id, lease.TargetID, strikes, releaseAt, now); err != nil {
		return fmt.Errorf("broker: apply penalty for %s: %w", id, err)
	}

	b.mu.Lock()
	b.pool.moveToCooldown(id, releaseAt)
	b.updatePoolGauges()
	b.mu.Unlock()

	b.log.Warn("credential cooling down",
		zap.String("credential_id", id),
		zap.String("target_id", lease.TargetID),
		zap.Int("strikes", strikes),
		zap.Time("release_at", releaseAt))
	b.publish(ctx, lease, model.EventFailure, 0, strikes)
	return nil
}

// ReportFatal permanently removes the credential from every configuration.
// There is no automatic recovery; an operator must reset strikes through
// the registry.
func (b *Broker) ReportFatal(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return ErrNilLease
	}
	metrics.ReportsTotal.WithLabelValues("fatal").Inc()
	if err := b.retire(ctx, lease, FatalStrikes); err != nil {
		return err
	}
	b.publish(ctx, lease, model.EventFatal, 0, FatalStrikes)
	return nil
}

func (b *Broker) retire(ctx context.Context, lease *Lease, strikes int) error {
	id := lease.Credential.ID

	if err := b.ledger.ApplyPenalty(ctx, id, lease.TargetID, strikes, b.now(), b.now()); err != nil {
		return fmt.Errorf("broker: persist retirement of %s: %w", id, err)
	}
	if err := b.creds.MarkRevoked(ctx, id); err != nil && !errors.Is(err, repository.ErrCredentialNotFound) {
		return fmt.Errorf("broker: revoke %s: %w", id, err)
	}

	b.mu.Lock()
	b.strikes[id] = strikes
	b.pool.moveToDead(id)
	b.updatePoolGauges()
	b.mu.Unlock()

	b.log.Error("credential retired",
		zap.String("credential_id", id),
		zap.Int("strikes", strikes))
	return nil
}

// ResetCredential is the operator recovery path: clear revocation and
// strikes, then rebuild the pool.
func (b *Broker) ResetCredential(ctx context.Context, id string) error {
	if err := b.creds.ClearRevoked(ctx, id); err != nil {
		return err
	}
	if err := b.ledger.ResetStrikes(ctx, id); err != nil {
		return fmt.Errorf("broker: reset strikes for %s: %w", id, err)
	}
	return b.Reload(ctx)
}

// State is a point-in-time view of the runtime pool for status endpoints.
type State struct {
	Available []string             `json:"available"`
	Cooldown  map[string]time.Time `json:"cooldown"`
	Dead      []string             `json:"dead"`
	Strikes   map[string]int       `json:"strikes"`
}

func (b *Broker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := State{
		Available: append([]string(nil), b.pool.available...),
		Cooldown:  make(map[string]time.Time, len(b.pool.cooldown)),
		Strikes:   make(map[string]int, len(b.strikes)),
	}
	for id, at := range b.pool.cooldown {
		st.Cooldown[id] = at
	}
	for id := range b.pool.dead {
		st.Dead = append(st.Dead, id)
	}
	for id, n := range b.strikes {
		if n > 0 {
			st.Strikes[id] = n
		}
	}
	return st
}

func (b *Broker) publish(ctx context.Context, lease *Lease, kind model.EventKind, tokens int64, strikes int) {
	b.pub.Publish(ctx, model.UsageEvent{
		LeaseID:      lease.ID,
		CredentialID: lease.Credential.ID,
		SecretHash:   lease.Credential.SecretHash(),
		ConfigID:     lease.ConfigID,
		TargetID:     lease.TargetID,
		Kind:         kind,
		Tokens:       tokens,
		Strikes:      strikes,
		OccurredAt:   b.now(),
	})
}

// updatePoolGauges must be called with b.mu held.
func (b *Broker) updatePoolGauges() {
	metrics.PoolSize.WithLabelValues("available").Set(float64(len(b.pool.available)))
	metrics.PoolSize.WithLabelValues("cooldown").Set(float64(len(b.pool.cooldown)))
	metrics.PoolSize.WithLabelValues("dead").Set(float64(len(b.pool.dead)))
}
