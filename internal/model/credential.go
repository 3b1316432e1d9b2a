package model

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"
)

type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

func (t Tier) String() string { return string(t) }

func (t Tier) Valid() bool {
	return t == TierFree || t == TierPaid
}

// ParseTier normalizes input; empty => free.
// Returns (value, true) if valid; otherwise (free, false).
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "free":
		return TierFree, true
	case "paid":
		return TierPaid, true
	default:
		return TierFree, false
	}
}

// Serves reports whether a credential of tier t may carry traffic for a
// configuration requiring tier required. Paid credentials may serve free
// traffic; free credentials never serve paid configurations.
func (t Tier) Serves(required Tier) bool {
	if t == TierPaid {
		return true
	}
	return required == TierFree
}

// Credential is the DB entity persisted in credentials table.
// Secret must never appear in logs or event payloads; use SecretHash.
type Credential struct {
	ID        string       `db:"id"`   // stable operator-chosen name
	Secret    string       `db:"secret" json:"-"`
	Tier      Tier         `db:"tier"`
	Priority  int          `db:"priority"` // lower sorts first
	CreatedAt time.Time    `db:"created_at"`
	RevokedAt sql.NullTime `db:"revoked_at"` // set by ReportFatal / operator
}

func (c Credential) Revoked() bool { return c.RevokedAt.Valid }

// SecretHash returns a short fingerprint of the secret, safe for logs and
// analytics rows.
func (c Credential) SecretHash() string {
	sum := sha256.Sum256([]byte(c.Secret))
	return hex.EncodeToString(sum[:6])
}
