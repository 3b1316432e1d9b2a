package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/key-broker/internal/catalog"
	"github.com/jmehdipour/key-broker/internal/config"
	"github.com/jmehdipour/key-broker/internal/model"
	"github.com/jmehdipour/key-broker/internal/repository"
)

// fakeClock is a settable time source shared by a test and its broker.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// fixed midday UTC so day-rollover tests control the boundary
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Build([]config.ModelConfig{
		{ConfigID: "draft", TargetID: "gen-lite-v1", RequiredTier: "free", RPM: 2, TPM: 1000, RPD: 10},
		{ConfigID: "standard", TargetID: "gen-std-v1", RequiredTier: "free", RPM: 100, TPM: 100000, RPD: 2},
		{ConfigID: "big", TargetID: "gen-pro-v1", RequiredTier: "paid", RPM: 100, TPM: 100000, RPD: 1000},
	})
	require.NoError(t, err)
	return cat
}

type fixture struct {
	clock  *fakeClock
	creds  *repository.CredentialStoreMemory
	ledger *repository.LedgerStoreMemory
	broker *Broker
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:  newFakeClock(),
		creds:  repository.NewCredentialStoreMemory(),
		ledger: repository.NewLedgerStoreMemory(),
	}
	return f.build(t, opts...)
}

func (f *fixture) build(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	all := append([]Option{WithClock(f.clock.Now)}, opts...)
	b, err := New(context.Background(), testCatalog(t), f.creds, f.ledger, all...)
	require.NoError(t, err)
	f.broker = b
	return f
}

func (f *fixture) addCredential(t *testing.T, id string, tier model.Tier) {
	t.Helper()
	require.NoError(t, f.creds.Add(context.Background(), id, "sk-"+id, tier, 10))
	require.NoError(t, f.broker.Reload(context.Background()))
}

func mustAcquire(t *testing.T, b *Broker, configID string, tokens int64) *Lease {
	t.Helper()
	res, err := b.Acquire(context.Background(), configID, tokens)
	require.NoError(t, err)
	require.Equal(t, OutcomeAcquired, res.Outcome, "wanted a credential, got %s", res.Outcome)
	require.NotNil(t, res.Lease)
	return res.Lease
}

func TestAcquire_UnknownConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.Acquire(context.Background(), "nope", 10)
	assert.ErrorIs(t, err, ErrUnknownConfig)
}

func TestAcquire_NegativeEstimate(t *testing.T) {
	f := newFixture(t)
	_, err := f.broker.Acquire(context.Background(), "draft", -1)
	assert.ErrorIs(t, err, ErrInvalidEstimate)
}

// An estimate above the config's token budget is rejected up front and
// touches nothing.
func TestAcquire_FatalRequestGuard(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)

	res, err := f.broker.Acquire(context.Background(), "draft", 2000) // tpm=1000
	require.NoError(t, err)
	assert.Equal(t, OutcomeFatalRequest, res.Outcome)
	assert.Equal(t, float64(-1), res.WaitSeconds())
	assert.Nil(t, res.Lease)

	// no ledger row was created or modified
	rows, err := f.ledger.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)

	// pool untouched: the credential is still immediately available
	mustAcquire(t, f.broker, "draft", 10)
}

// rpm consecutive cycles succeed inside one window, the
// next call gets a positive wait hint.
func TestAcquire_RPMCeiling(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	for i := 0; i < 2; i++ { // draft rpm = 2
		lease := mustAcquire(t, f.broker, "draft", 10)
		require.NoError(t, f.broker.ReportSuccess(ctx, lease, 10))
		f.clock.Advance(time.Second)
	}

	res, err := f.broker.Acquire(ctx, "draft", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Greater(t, res.WaitSeconds(), float64(0))
	assert.LessOrEqual(t, res.WaitSeconds(), float64(60))
}

// A previously exhausted credential becomes eligible again once the
// window rolls over, with no explicit reset.
func TestAcquire_WindowRollover(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		lease := mustAcquire(t, f.broker, "draft", 10)
		require.NoError(t, f.broker.ReportSuccess(ctx, lease, 10))
	}
	res, err := f.broker.Acquire(ctx, "draft", 10)
	require.NoError(t, err)
	require.Equal(t, OutcomeExhausted, res.Outcome)

	f.clock.Advance(61 * time.Second)
	mustAcquire(t, f.broker, "draft", 10)
}

// TPM branch of the window check: remaining token budget too small for the
// estimate, even though the request count is fine.
func TestAcquire_TPMBudget(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	lease := mustAcquire(t, f.broker, "draft", 900)
	require.NoError(t, f.broker.ReportSuccess(ctx, lease, 900))

	res, err := f.broker.Acquire(ctx, "draft", 200) // 900 + 200 > 1000
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.Greater(t, res.WaitSeconds(), float64(0))
}

// The daily counter resets across the UTC day boundary.
func TestAcquire_DayRollover(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	for i := 0; i < 2; i++ { // standard rpd = 2
		lease := mustAcquire(t, f.broker, "standard", 10)
		require.NoError(t, f.broker.ReportSuccess(ctx, lease, 10))
		f.clock.Advance(time.Minute) // stay clear of the rpm window
	}

	res, err := f.broker.Acquire(ctx, "standard", 10)
	require.NoError(t, err)
	require.Equal(t, OutcomeExhausted, res.Outcome)
	// wait hint points at the next UTC day
	untilMidnight := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC).Sub(f.clock.Now())
	assert.InDelta(t, untilMidnight.Seconds(), res.WaitSeconds(), 5)

	f.clock.Advance(13 * time.Hour) // past midnight UTC
	mustAcquire(t, f.broker, "standard", 10)
}

// Free credentials never serve a paid configuration.
func TestAcquire_TierExclusivity(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "free-1", model.TierFree)
	f.addCredential(t, "free-2", model.TierFree)

	res, err := f.broker.Acquire(context.Background(), "big", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCandidates, res.Outcome)
	assert.Equal(t, float64(0), res.WaitSeconds())
	assert.Nil(t, res.Lease)
}

func TestAcquire_PaidServesFree(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "paid-1", model.TierPaid)

	lease := mustAcquire(t, f.broker, "draft", 10)
	assert.Equal(t, "paid-1", lease.Credential.ID)
}

func TestAcquire_PaidFallbackDisabled(t *testing.T) {
	f := newFixture(t, WithPaidFallback(false))
	f.addCredential(t, "paid-1", model.TierPaid)

	res, err := f.broker.Acquire(context.Background(), "draft", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCandidates, res.Outcome)
}

func TestReportFailure_SoftHasNoPenalty(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	lease := mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportFailure(ctx, lease, SeveritySoft))

	st := f.broker.Snapshot()
	assert.Contains(t, st.Available, "k1")
	assert.Empty(t, st.Cooldown)
	assert.Empty(t, st.Strikes)

	mustAcquire(t, f.broker, "draft", 10)
}

// Hard failures escalate through the cooldown table and
// retire the credential at the strike cap.
func TestReportFailure_HardEscalation(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	expected := []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second, 3600 * time.Second}

	var lease *Lease
	for i, cooldown := range expected {
		lease = mustAcquire(t, f.broker, "draft", 10)
		require.NoError(t, f.broker.ReportFailure(ctx, lease, SeverityHard))

		st := f.broker.Snapshot()
		require.Contains(t, st.Cooldown, "k1", "strike %d should cool down", i+1)
		assert.WithinDuration(t, f.clock.Now().Add(cooldown), st.Cooldown["k1"], time.Second)
		assert.Equal(t, i+1, st.Strikes["k1"])

		// exhausted with a hint that tracks the cooldown release
		res, err := f.broker.Acquire(ctx, "draft", 10)
		require.NoError(t, err)
		require.Equal(t, OutcomeExhausted, res.Outcome)
		assert.InDelta(t, cooldown.Seconds(), res.WaitSeconds(), 1.5)

		f.clock.Advance(cooldown + time.Second)
	}

	// fifth hard failure hits MaxStrikes: dead, regardless of elapsed time
	lease = mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportFailure(ctx, lease, SeverityHard))

	st := f.broker.Snapshot()
	assert.Contains(t, st.Dead, "k1")

	res, err := f.broker.Acquire(ctx, "draft", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCandidates, res.Outcome)

	// retirement is durable
	cred, err := f.creds.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, cred.Revoked())
}

func TestReportSuccess_ClearsStrikes(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	lease := mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportFailure(ctx, lease, SeverityHard))
	f.clock.Advance(11 * time.Second)

	lease = mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportSuccess(ctx, lease, 10))

	st := f.broker.Snapshot()
	assert.Empty(t, st.Strikes)

	// next hard failure starts over at the first table entry
	lease = mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportFailure(ctx, lease, SeverityHard))
	st = f.broker.Snapshot()
	assert.WithinDuration(t, f.clock.Now().Add(10*time.Second), st.Cooldown["k1"], time.Second)
}

func TestReportFatal_PermanentRemoval(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	f.addCredential(t, "k2", model.TierFree)
	ctx := context.Background()

	var lease *Lease
	for {
		lease = mustAcquire(t, f.broker, "draft", 10)
		if lease.Credential.ID == "k1" {
			break
		}
	}
	require.NoError(t, f.broker.ReportFatal(ctx, lease))

	st := f.broker.Snapshot()
	assert.Contains(t, st.Dead, "k1")
	assert.Equal(t, FatalStrikes, st.Strikes["k1"])

	// k2 still serves
	lease = mustAcquire(t, f.broker, "draft", 10)
	assert.Equal(t, "k2", lease.Credential.ID)

	// a cooldown's release never revives a fatal credential
	f.clock.Advance(24 * time.Hour)
	lease = mustAcquire(t, f.broker, "draft", 10)
	assert.Equal(t, "k2", lease.Credential.ID)
}

// Cooldown state survives a restart via the shared ledger.
func TestPersistence_CooldownSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	require.NoError(t, f.ledger.ApplyPenalty(ctx, "k1", "gen-lite-v1", 2,
		f.clock.Now().Add(500*time.Second), f.clock.Now()))

	// fresh broker over the same stores
	fresh := f.build(t)

	st := fresh.broker.Snapshot()
	assert.NotContains(t, st.Available, "k1")
	assert.Contains(t, st.Cooldown, "k1")

	res, err := fresh.broker.Acquire(ctx, "draft", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.InDelta(t, 500, res.WaitSeconds(), 1.5)

	f.clock.Advance(501 * time.Second)
	mustAcquire(t, fresh.broker, "draft", 10)
}

func TestPersistence_DeadSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	lease := mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportFatal(ctx, lease))

	fresh := f.build(t)
	st := fresh.broker.Snapshot()
	assert.Contains(t, st.Dead, "k1")
}

func TestResetCredential_RevivesDead(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	lease := mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportFatal(ctx, lease))

	require.NoError(t, f.broker.ResetCredential(ctx, "k1"))

	st := f.broker.Snapshot()
	assert.Contains(t, st.Available, "k1")
	assert.Empty(t, st.Dead)
	mustAcquire(t, f.broker, "draft", 10)
}

// A cooldown earned on one target leaves the credential usable for others,
// and success bookkeeping is still recorded for the other target.
func TestCooldown_IsPersistedPerTarget(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierPaid)
	ctx := context.Background()

	lease := mustAcquire(t, f.broker, "draft", 10)
	require.NoError(t, f.broker.ReportFailure(ctx, lease, SeverityHard))

	rec, err := f.ledger.Get(ctx, "k1", "gen-lite-v1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Strikes)
	assert.Greater(t, rec.ReleaseAt, f.clock.Now().Unix())

	// the big target's row is untouched
	rec, err = f.ledger.Get(ctx, "k1", "gen-pro-v1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// bookkeeping for another target must not error while cooling down
	other := &Lease{ID: "manual", Credential: lease.Credential, ConfigID: "big", TargetID: "gen-pro-v1"}
	require.NoError(t, f.broker.ReportSuccess(ctx, other, 42))
}

func TestAcquire_MinReuseInterval(t *testing.T) {
	f := newFixture(t, WithMinReuseInterval(30*time.Second))
	f.addCredential(t, "k1", model.TierFree)
	ctx := context.Background()

	mustAcquire(t, f.broker, "draft", 10)

	res, err := f.broker.Acquire(ctx, "draft", 10)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, res.Outcome)
	assert.InDelta(t, 30, res.WaitSeconds(), 1.5)

	f.clock.Advance(31 * time.Second)
	mustAcquire(t, f.broker, "draft", 10)
}

func TestAcquire_RotatesAcrossCredentials(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierFree)
	f.addCredential(t, "k2", model.TierFree)
	f.addCredential(t, "k3", model.TierFree)
	ctx := context.Background()

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		lease := mustAcquire(t, f.broker, "draft", 1)
		seen[lease.Credential.ID]++
		require.NoError(t, f.broker.ReportSuccess(ctx, lease, 1))
	}
	assert.Len(t, seen, 3, "rotation should spread load: %v", seen)
}

func TestAcquire_ConcurrentCallersDoNotUndercount(t *testing.T) {
	f := newFixture(t)
	f.addCredential(t, "k1", model.TierPaid)
	ctx := context.Background()

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.broker.Acquire(ctx, "big", 1)
			if err != nil || res.Outcome != OutcomeAcquired {
				return
			}
			if err := f.broker.ReportSuccess(ctx, res.Lease, 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Greater(t, granted, 0)
	rec, err := f.ledger.Get(ctx, "k1", "gen-pro-v1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, granted, rec.WindowRequests, "every success must be counted exactly once")
}
