package broker

import (
	"time"

	"github.com/jmehdipour/key-broker/internal/model"
)

// Outcome tags an Acquire result so callers cannot mistake "no credential,
// retry later" for "this request can never be served".
type Outcome int

const (
	// OutcomeAcquired carries a lease; the caller performs the remote call
	// and reports back.
	OutcomeAcquired Outcome = iota
	// OutcomeFatalRequest means the token estimate exceeds the
	// configuration's per-minute budget; retrying can never succeed.
	OutcomeFatalRequest
	// OutcomeExhausted means every eligible credential is at a limit;
	// retry after RetryAfter.
	OutcomeExhausted
	// OutcomeNoCandidates means no credential of the required tier exists
	// at all; this needs an operator, not a retry loop.
	OutcomeNoCandidates
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcquired:
		return "acquired"
	case OutcomeFatalRequest:
		return "fatal_request"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeNoCandidates:
		return "no_candidates"
	default:
		return "unknown"
	}
}

// Lease is one granted acquire. It pins the credential together with the
// config and target it was granted for, so failure reports land on the
// right ledger row.
type Lease struct {
	ID         string
	Credential model.Credential
	ConfigID   string
	TargetID   string
}

// Result is the tagged return value of Acquire. Lease is non-nil only for
// OutcomeAcquired; RetryAfter is positive only for OutcomeExhausted.
type Result struct {
	Outcome    Outcome
	Lease      *Lease
	TargetID   string
	RetryAfter time.Duration
}

// WaitSeconds renders the classic wait hint: -1 for a structurally
// impossible request, 0 for acquired or no-candidates, otherwise seconds
// until the soonest candidate frees up.
func (r Result) WaitSeconds() float64 {
	if r.Outcome == OutcomeFatalRequest {
		return -1
	}
	return r.RetryAfter.Seconds()
}

// Severity classifies a reported failure.
type Severity string

const (
	// SeveritySoft is a transient upstream error not attributable to the
	// credential; no penalty.
	SeveritySoft Severity = "soft"
	// SeverityHard is a rejection attributable to the credential; it earns
	// a strike and an escalating cooldown.
	SeverityHard Severity = "hard"
)

func (s Severity) Valid() bool { return s == SeveritySoft || s == SeverityHard }
