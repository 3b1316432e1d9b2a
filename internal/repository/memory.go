package repository

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/key-broker/internal/model"
)

// CredentialStoreMemory is an in-memory CredentialStore for tests and
// single-node dev runs.
type CredentialStoreMemory struct {
	mu    sync.RWMutex
	creds map[string]model.Credential
}

func NewCredentialStoreMemory() *CredentialStoreMemory {
	return &CredentialStoreMemory{creds: make(map[string]model.Credential)}
}

var _ CredentialStore = (*CredentialStoreMemory)(nil)

func (s *CredentialStoreMemory) List(_ context.Context) ([]model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *CredentialStoreMemory) Get(_ context.Context, id string) (*model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[id]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &c, nil
}

func (s *CredentialStoreMemory) Add(_ context.Context, id, secret string, tier model.Tier, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.creds[id]; exists {
		return ErrCredentialExists
	}
	s.creds[id] = model.Credential{
		ID:        id,
		Secret:    secret,
		Tier:      tier,
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *CredentialStoreMemory) UpdateSecret(_ context.Context, id, secret string) error {
	return s.update(id, func(c *model.Credential) { c.Secret = secret })
}

func (s *CredentialStoreMemory) UpdateTier(_ context.Context, id string, tier model.Tier) error {
	return s.update(id, func(c *model.Credential) { c.Tier = tier })
}

func (s *CredentialStoreMemory) UpdatePriority(_ context.Context, id string, priority int) error {
	return s.update(id, func(c *model.Credential) { c.Priority = priority })
}

func (s *CredentialStoreMemory) MarkRevoked(_ context.Context, id string) error {
	return s.update(id, func(c *model.Credential) {
		if !c.RevokedAt.Valid {
			c.RevokedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
		}
	})
}

func (s *CredentialStoreMemory) ClearRevoked(_ context.Context, id string) error {
	return s.update(id, func(c *model.Credential) { c.RevokedAt = sql.NullTime{} })
}

func (s *CredentialStoreMemory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.creds[id]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.creds, id)
	return nil
}

func (s *CredentialStoreMemory) update(id string, fn func(*model.Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok {
		return ErrCredentialNotFound
	}
	fn(&c)
	s.creds[id] = c
	return nil
}

// LedgerStoreMemory is an in-memory LedgerStore. All mutation happens under
// one mutex, which gives it the same atomicity the SQL and Redis backends
// get from single-statement writes.
type LedgerStoreMemory struct {
	mu   sync.Mutex
	rows map[ledgerKey]model.UsageRecord
}

type ledgerKey struct {
	credentialID string
	targetID     string
}

func NewLedgerStoreMemory() *LedgerStoreMemory {
	return &LedgerStoreMemory{rows: make(map[ledgerKey]model.UsageRecord)}
}

var _ LedgerStore = (*LedgerStoreMemory)(nil)

func (s *LedgerStoreMemory) Get(_ context.Context, credentialID, targetID string) (*model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[ledgerKey{credentialID, targetID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *LedgerStoreMemory) List(_ context.Context) ([]model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.UsageRecord, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r)
	}
	return out, nil
}

func (s *LedgerStoreMemory) ApplySuccess(_ context.Context, credentialID, targetID string, tokens int64, now time.Time) (model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ledgerKey{credentialID, targetID}
	r := s.rows[k]
	r.CredentialID = credentialID
	r.TargetID = targetID

	if r.WindowExpired(now) {
		r.WindowStart = now.Unix()
		r.WindowRequests = 1
		r.WindowTokens = tokens
	} else {
		r.WindowRequests++
		r.WindowTokens += tokens
	}

	day := model.DayKeyOf(now)
	if r.DayKey != day {
		r.DayKey = day
		r.DayRequests = 1
	} else {
		r.DayRequests++
	}

	r.Strikes = 0
	r.ReleaseAt = 0
	s.rows[k] = r
	return r, nil
}

func (s *LedgerStoreMemory) ApplyPenalty(_ context.Context, credentialID, targetID string, strikes int, releaseAt time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := ledgerKey{credentialID, targetID}
	r, ok := s.rows[k]
	if !ok {
		r = model.UsageRecord{
			CredentialID: credentialID,
			TargetID:     targetID,
			WindowStart:  now.Unix(),
			DayKey:       model.DayKeyOf(now),
		}
	}
	r.Strikes = strikes
	r.ReleaseAt = releaseAt.Unix()
	s.rows[k] = r
	return nil
}

func (s *LedgerStoreMemory) ResetStrikes(_ context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.rows {
		if k.credentialID == credentialID {
			r.Strikes = 0
			r.ReleaseAt = 0
			s.rows[k] = r
		}
	}
	return nil
}
