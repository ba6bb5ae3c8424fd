package types

import (
	"encoding/json"
	"time"
)

// WorkloadID identifies a remote workload. It is opaque and stable across restarts.
type WorkloadID string

// Credential is a time-bounded grant to stream logs from one workload
type Credential struct {
	SessionID string    `json:"sessionID"`
	Endpoint  string    `json:"endpoint"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsZero reports whether no credential has been issued
func (c Credential) IsZero() bool {
	return c.SessionID == "" && c.Endpoint == "" && c.ExpiresAt.IsZero()
}

// ValidAt reports whether the credential is still usable at now, keeping
// margin in reserve before expiry.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	if c.IsZero() {
		return false
	}
	return c.ExpiresAt.Add(-margin).After(now)
}

// SessionState is the lifecycle state of a tail session
type SessionState string

const (
	SessionStateProvisioning SessionState = "provisioning"
	SessionStateConnected    SessionState = "connected"
	SessionStateRefreshing   SessionState = "refreshing"
	SessionStateClosed       SessionState = "closed"
)

// Record is one inbound log event after normalization
type Record struct {
	ID         string                     `json:"id"`
	Workload   WorkloadID                 `json:"workload"`
	EventTime  time.Time                  `json:"eventTime"`
	ReceivedAt time.Time                  `json:"receivedAt"`
	Event      map[string]json.RawMessage `json:"event"`
}

// Snapshot is the persisted registry state. Connections and timers are
// process-local and never persisted.
type Snapshot struct {
	Sessions map[WorkloadID]Credential `json:"sessions"`
	SavedAt  time.Time                 `json:"savedAt"`
}
