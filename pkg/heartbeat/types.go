// Package heartbeat runs the continuity heartbeat: a background ticker
// that writes signed trace events into a bounded belief store and checks
// that ticks keep arriving in sequence and on time.
package heartbeat

import (
	"time"
)

// TraceEvent is written once per tick and never modified afterwards.
type TraceEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Intention string    `json:"intention"`
	CodexRef  string    `json:"codex_ref"`
	CanonRef  string    `json:"canon_ref"`
	Sequence  uint64    `json:"sequence"`
	Signature string    `json:"signature,omitempty"`
}

type BeliefStoreEntry struct {
	ID       string     `json:"id"`
	Event    TraceEvent `json:"event"`
	Written  time.Time  `json:"written"`
	Verified bool       `json:"verified"`
}

// BreachKind classifies a continuity breach.
type BreachKind string

const (
	BreachSequenceGap BreachKind = "sequence_gap"
	BreachUnverified  BreachKind = "unverified_entry"
	BreachMissedTick  BreachKind = "missed_tick"
	BreachStale       BreachKind = "stale"
)

type Breach struct {
	Kind     BreachKind `json:"kind"`
	Sequence uint64     `json:"sequence"`
	At       time.Time  `json:"at"`
	Detail   string     `json:"detail"`
}

// ContinuityResult is the outcome of one scan of the trailing window.
type ContinuityResult struct {
	Healthy       bool      `json:"healthy"`
	TicksInWindow int       `json:"ticks_in_window"`
	Breaches      []Breach  `json:"breaches"`
	LastVerified  time.Time `json:"last_verified"`
	CheckedAt     time.Time `json:"checked_at"`
}

// State is a snapshot of the heartbeat counters.
type State struct {
	Running       bool          `json:"running"`
	Sequence      uint64        `json:"sequence"`
	TickCount     uint64        `json:"tick_count"`
	TotalBreaches uint64        `json:"total_breaches"`
	LastTick      time.Time     `json:"last_tick"`
	Interval      time.Duration `json:"interval"`
	Window        time.Duration `json:"window"`
	PublicKey     string        `json:"public_key,omitempty"`
}
