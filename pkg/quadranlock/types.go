// Package quadranlock implements the four-quadrant authentication
// orchestrator. Each quadrant is an independent credential channel that
// must be satisfied on its own; replayed or tampered payloads are denied
// and every attempt is recorded in an append-only audit trail.
package quadranlock

import (
	"time"
)

// Quadrant identifies one of the four authentication channels.
type Quadrant string

const (
	Q1 Quadrant = "Q1"
	Q2 Quadrant = "Q2"
	Q3 Quadrant = "Q3"
	Q4 Quadrant = "Q4"
)

// Quadrants lists every channel in canonical order.
var Quadrants = []Quadrant{Q1, Q2, Q3, Q4}

// Valid reports whether q names a known quadrant.
func (q Quadrant) Valid() bool {
	switch q {
	case Q1, Q2, Q3, Q4:
		return true
	}
	return false
}

// Names of the policy artifacts that must be present in the checksum
// registry. CodexArtifact is the primary artifact payload checksums are
// compared against.
const (
	CodexArtifact    = "codex"
	DoctrineArtifact = "doctrine"
)

// Event is the name recorded in an audit entry.
type Event string

const (
	EventAuthenticated    Event = "AUTHENTICATED"
	EventNonceReplay      Event = "NONCE_REPLAY_DETECTED"
	EventChecksumMismatch Event = "CHECKSUM_MISMATCH"
	EventQuadrantBlocked  Event = "QUADRANT_BLOCKED"
	EventPayloadRejected  Event = "PAYLOAD_REJECTED"
	EventUnknownQuadrant  Event = "UNKNOWN_QUADRANT"
	EventRateLimited      Event = "RATE_LIMITED"
)

// AuthPayload is a single quadrant authentication attempt.
type AuthPayload struct {
	Quadrant  Quadrant  `json:"quadrant"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  string    `json:"checksum"`
	Nonce     string    `json:"nonce,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
}

// AuditLogEntry is the quadrant-level view of an audit record.
type AuditLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Quadrant  Quadrant  `json:"quadrant"`
	Event     Event     `json:"event"`
	Checksum  string    `json:"checksum"`
	Encrypted bool      `json:"encrypted"`
}

// State is a snapshot of the orchestrator. Values returned by
// AuthenticationState are detached copies.
type State struct {
	Q1Authenticated bool                   `json:"q1_authenticated"`
	Q2Authenticated bool                   `json:"q2_authenticated"`
	Q3Authenticated bool                   `json:"q3_authenticated"`
	Q4Authenticated bool                   `json:"q4_authenticated"`
	LastTimestamps  map[Quadrant]time.Time `json:"last_timestamps"`
	LastNonces      map[Quadrant]string    `json:"last_nonces"`
	Checksums       map[string]string      `json:"checksums"`
}

// Authenticated reports the flag for q.
func (s State) Authenticated(q Quadrant) bool {
	switch q {
	case Q1:
		return s.Q1Authenticated
	case Q2:
		return s.Q2Authenticated
	case Q3:
		return s.Q3Authenticated
	case Q4:
		return s.Q4Authenticated
	}
	return false
}

func (s *State) setAuthenticated(q Quadrant, v bool) {
	switch q {
	case Q1:
		s.Q1Authenticated = v
	case Q2:
		s.Q2Authenticated = v
	case Q3:
		s.Q3Authenticated = v
	case Q4:
		s.Q4Authenticated = v
	}
}

func (s State) clone() State {
	out := s
	out.LastTimestamps = make(map[Quadrant]time.Time, len(s.LastTimestamps))
	for k, v := range s.LastTimestamps {
		out.LastTimestamps[k] = v
	}
	out.LastNonces = make(map[Quadrant]string, len(s.LastNonces))
	for k, v := range s.LastNonces {
		out.LastNonces[k] = v
	}
	out.Checksums = make(map[string]string, len(s.Checksums))
	for k, v := range s.Checksums {
		out.Checksums[k] = v
	}
	return out
}

func newState() State {
	return State{
		LastTimestamps: make(map[Quadrant]time.Time),
		LastNonces:     make(map[Quadrant]string),
		Checksums:      make(map[string]string),
	}
}
