package model

import "time"

// WindowLength is the rolling rate-limit window applied to per-minute
// request and token counters.
const WindowLength = 60 * time.Second

// UsageRecord is one row of the usage ledger, keyed by
// (credential_id, target_id). Counters are only meaningful relative to now:
// window counters expire WindowLength after WindowStart, the daily counter
// expires when DayKey no longer names the current UTC day. Stale counters
// are treated as zero by readers and reset lazily by the next write.
type UsageRecord struct {
	CredentialID   string `db:"credential_id"`
	TargetID       string `db:"target_id"`
	WindowStart    int64  `db:"window_start"` // unix seconds
	WindowRequests int    `db:"window_requests"`
	WindowTokens   int64  `db:"window_tokens"`
	DayKey         string `db:"day_key"` // YYYY-MM-DD, UTC
	DayRequests    int    `db:"day_requests"`
	Strikes        int    `db:"strikes"`
	ReleaseAt      int64  `db:"release_at"` // unix seconds, 0 = not cooling down
}

// WindowExpired reports whether the minute window counters are stale.
func (r UsageRecord) WindowExpired(now time.Time) bool {
	return now.Unix()-r.WindowStart >= int64(WindowLength/time.Second)
}

// DayExpired reports whether the daily counter is stale.
func (r UsageRecord) DayExpired(now time.Time) bool {
	return r.DayKey != DayKeyOf(now)
}

// EffectiveWindow returns the request/token counters with stale windows
// collapsed to zero.
func (r UsageRecord) EffectiveWindow(now time.Time) (requests int, tokens int64) {
	if r.WindowExpired(now) {
		return 0, 0
	}
	return r.WindowRequests, r.WindowTokens
}

// EffectiveDay returns the daily request counter with stale days collapsed
// to zero.
func (r UsageRecord) EffectiveDay(now time.Time) int {
	if r.DayExpired(now) {
		return 0
	}
	return r.DayRequests
}

// WindowResetIn returns the time until the minute window rolls over.
func (r UsageRecord) WindowResetIn(now time.Time) time.Duration {
	d := time.Duration(r.WindowStart-now.Unix())*time.Second + WindowLength
	if d < 0 {
		return 0
	}
	return d
}

// DayKeyOf formats the UTC calendar day used for daily caps.
func DayKeyOf(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// NextUTCDay returns midnight UTC of the following day.
func NextUTCDay(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
