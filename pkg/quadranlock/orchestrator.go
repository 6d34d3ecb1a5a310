package quadranlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

const componentName = "quadranlock"

var (
	ErrNotInitialized  = errors.New("quadranlock: orchestrator not initialized")
	ErrInvalidRegistry = errors.New("quadranlock: invalid checksum registry")
)

// digestPattern matches "<algorithm>:<hex>" with at least 128 bits of hex.
// Anything else, including human-readable placeholders, is refused.
var digestPattern = regexp.MustCompile(`^[a-z0-9-]+:[0-9a-f]{32,}$`)

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// PayloadVerifier validates the opaque part of an AuthPayload.
type PayloadVerifier interface {
	VerifyPayload(ctx context.Context, q Quadrant, payload []byte) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithAuditSink forwards every audit entry to sink before the call that
// produced it returns.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

func WithPayloadVerifier(v PayloadVerifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

// WithAttemptLimit bounds authentication attempts per quadrant.
func WithAttemptLimit(r rate.Limit, burst int) Option {
	return func(o *Orchestrator) {
		o.limit = r
		o.burst = burst
	}
}

// WithSealer encrypts checksums recorded in the audit trail.
func WithSealer(s audit.Sealer) Option {
	return func(o *Orchestrator) { o.sealer = s }
}

// Orchestrator authenticates quadrant payloads against the checksum
// registry. A single mutex serializes state mutation and audit appends.
type Orchestrator struct {
	mu          sync.Mutex
	state       State
	initialized bool
	log         *audit.Log
	limiters    map[Quadrant]*rate.Limiter

	logger   *slog.Logger
	clock    Clock
	sink     audit.Sink
	verifier PayloadVerifier
	sealer   audit.Sealer
	limit    rate.Limit
	burst    int
}

// New creates an orchestrator. It rejects every payload until Initialize
// succeeds.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		state:  newState(),
		clock:  wallClock{},
		logger: slog.Default().With("component", componentName),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = audit.NewLog(o.sink)
	o.resetLimiters()
	return o
}

func (o *Orchestrator) resetLimiters() {
	o.limiters = nil
	if o.limit <= 0 {
		return
	}
	o.limiters = make(map[Quadrant]*rate.Limiter, len(Quadrants))
	for _, q := range Quadrants {
		o.limiters[q] = rate.NewLimiter(o.limit, o.burst)
	}
}

// Initialize seeds the checksum registry. Both the codex and doctrine
// artifacts must be present with well-formed digests.
func (o *Orchestrator) Initialize(_ context.Context, registry map[string]string) error {
	for _, name := range []string{CodexArtifact, DoctrineArtifact} {
		digest, ok := registry[name]
		if !ok || digest == "" {
			return fmt.Errorf("%w: missing digest for %q", ErrInvalidRegistry, name)
		}
		if !digestPattern.MatchString(digest) {
			return fmt.Errorf("%w: malformed digest for %q", ErrInvalidRegistry, name)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.Checksums = make(map[string]string, len(registry))
	for k, v := range registry {
		o.state.Checksums[k] = v
	}
	o.initialized = true
	o.logger.Info("checksum registry seeded", "artifacts", len(registry))
	return nil
}

// AuthenticateQuadrant evaluates one payload. A denial is reported as
// false with a nil error; a non-nil error means the attempt could not be
// evaluated or recorded and is always paired with false.
func (o *Orchestrator) AuthenticateQuadrant(ctx context.Context, p AuthPayload) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.initialized {
		return false, ErrNotInitialized
	}

	if !p.Quadrant.Valid() {
		return false, o.deny(ctx, p, EventUnknownQuadrant)
	}

	if lim := o.limiters[p.Quadrant]; lim != nil && !lim.AllowN(o.clock.Now(), 1) {
		return false, o.deny(ctx, p, EventRateLimited)
	}

	if last, seen := o.state.LastTimestamps[p.Quadrant]; seen {
		replayed := !p.Timestamp.After(last)
		if p.Nonce != "" && p.Nonce == o.state.LastNonces[p.Quadrant] {
			replayed = true
		}
		if replayed {
			return false, o.deny(ctx, p, EventNonceReplay)
		}
	}

	if p.Checksum != o.state.Checksums[CodexArtifact] {
		o.state.setAuthenticated(p.Quadrant, false)
		if err := o.deny(ctx, p, EventChecksumMismatch); err != nil {
			return false, err
		}
		if p.Quadrant == Q2 {
			return false, o.deny(ctx, p, EventQuadrantBlocked)
		}
		return false, nil
	}

	if o.verifier != nil {
		if err := o.verifier.VerifyPayload(ctx, p.Quadrant, p.Payload); err != nil {
			o.state.setAuthenticated(p.Quadrant, false)
			o.logger.Debug("payload verification failed", "quadrant", p.Quadrant, "error", err)
			return false, o.deny(ctx, p, EventPayloadRejected)
		}
	}

	if err := o.record(ctx, p, EventAuthenticated); err != nil {
		return false, err
	}
	o.state.setAuthenticated(p.Quadrant, true)
	o.state.LastTimestamps[p.Quadrant] = p.Timestamp
	o.state.LastNonces[p.Quadrant] = p.Nonce
	return true, nil
}

func (o *Orchestrator) deny(ctx context.Context, p AuthPayload, ev Event) error {
	o.logger.Warn("quadrant authentication denied", "quadrant", p.Quadrant, "event", ev)
	return o.record(ctx, p, ev)
}

// record appends an audit entry. Caller must hold o.mu.
func (o *Orchestrator) record(ctx context.Context, p AuthPayload, ev Event) error {
	checksum := p.Checksum
	encrypted := false
	if o.sealer != nil && checksum != "" {
		sealed, err := o.sealer.Seal([]byte(checksum))
		if err != nil {
			return fmt.Errorf("seal checksum: %w", err)
		}
		checksum = sealed
		encrypted = true
	}

	_, err := o.log.Append(ctx, audit.Entry{
		Timestamp: o.clock.Now(),
		Component: componentName,
		Event:     string(ev),
		Subject:   string(p.Quadrant),
		Checksum:  checksum,
		Encrypted: encrypted,
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", ev, err)
	}
	return nil
}

// AuthenticationState returns a detached snapshot.
func (o *Orchestrator) AuthenticationState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// AuthenticatedCount returns how many quadrant flags are currently set.
func (o *Orchestrator) AuthenticatedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, q := range Quadrants {
		if o.state.Authenticated(q) {
			n++
		}
	}
	return n
}

// AuditLog returns a snapshot of the audit trail in append order.
func (o *Orchestrator) AuditLog() []AuditLogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries := o.log.Entries()
	out := make([]AuditLogEntry, len(entries))
	for i, e := range entries {
		out[i] = AuditLogEntry{
			Timestamp: e.Timestamp,
			Quadrant:  Quadrant(e.Subject),
			Event:     Event(e.Event),
			Checksum:  e.Checksum,
			Encrypted: e.Encrypted,
		}
	}
	return out
}

// AuditChain exposes the underlying hash-chained entries for verification.
func (o *Orchestrator) AuditChain() []audit.Entry {
	return o.log.Entries()
}

// Shutdown clears all flags, high-water marks, the registry and the local
// audit trail. The orchestrator must be initialized again before use.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state = newState()
	o.initialized = false
	o.log.Reset()
	o.resetLimiters()
	o.logger.Info("orchestrator shut down")
}
