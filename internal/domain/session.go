// Copyright 2025 James Ross
package domain

import "time"

// SessionState is the lifecycle state of a pooled sandbox session.
type SessionState string

const (
	SessionCreating SessionState = "creating"
	SessionActive   SessionState = "active"
	SessionIdle     SessionState = "idle"
	SessionClosing  SessionState = "closing"
	SessionClosed   SessionState = "closed"
)

// Session is the in-memory record of a live sandbox process. Invariant I6:
// acquiring an Idle session transitions it to Active atomically; release
// transitions Active back to Idle. Invariant I7: expiry is only evaluated
// on Idle sessions.
type Session struct {
	ID             string          `json:"id"`
	Language       ProgramLanguage `json:"language"`
	State          SessionState    `json:"state"`
	CreatedAt      time.Time       `json:"created_at"`
	LastActivity   time.Time       `json:"last_activity"`
	ExecutionCount int64           `json:"execution_count"`
}

// Expired reports whether the session should be reaped under the given
// TTLs. Only meaningful when State == SessionIdle (invariant I7).
func (s *Session) Expired(now time.Time, idleTTL, maxLifetime time.Duration) bool {
	if now.Sub(s.LastActivity) > idleTTL {
		return true
	}
	if now.Sub(s.CreatedAt) > maxLifetime {
		return true
	}
	return false
}
