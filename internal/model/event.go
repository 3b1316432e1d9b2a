package model

import "time"

type EventKind string

const (
	EventAcquired EventKind = "acquired"
	EventSuccess  EventKind = "success"
	EventFailure  EventKind = "failure"
	EventFatal    EventKind = "fatal"
)

func (k EventKind) String() string { return string(k) }

func (k EventKind) Valid() bool {
	switch k {
	case EventAcquired, EventSuccess, EventFailure, EventFatal:
		return true
	}
	return false
}

// UsageEvent is the payload published to Kafka (via the Debezium outbox
// relay) and landed in ClickHouse by the sink worker. It carries the
// credential name and secret fingerprint, never the secret itself.
type UsageEvent struct {
	LeaseID      string    `json:"lease_id"`
	CredentialID string    `json:"credential_id"`
	SecretHash   string    `json:"secret_hash"`
	ConfigID     string    `json:"config_id"`
	TargetID     string    `json:"target_id"`
	Kind         EventKind `json:"kind"`
	Tokens       int64     `json:"tokens"`  // estimate on acquire, actual on success
	Strikes      int       `json:"strikes"` // after the report was applied
	OccurredAt   time.Time `json:"occurred_at"`
}
