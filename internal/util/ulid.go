package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewLeaseID generates a sortable unique id for an acquire lease. Lease ids
// thread a single acquire through its report call and the analytics rows it
// produces.
func NewLeaseID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.Reader, 0)

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
