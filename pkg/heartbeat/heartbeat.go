package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
)

const componentName = "heartbeat"

const (
	DefaultInterval   = 10 * time.Second
	DefaultWindow     = 120 * time.Second
	DefaultMaxEntries = 720

	DefaultCodexID = "codex_primary"
	DefaultCanonID = "canon_doctrine"
)

// EventContinuityBreach is the audit event for each newly counted breach.
const EventContinuityBreach = "CONTINUITY_BREACH"

var ErrAlreadyRunning = errors.New("heartbeat: already running")

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type Option func(*Heartbeat)

func WithLogger(l *slog.Logger) Option { return func(h *Heartbeat) { h.logger = l } }

func WithClock(c Clock) Option { return func(h *Heartbeat) { h.clock = c } }

// WithSigner sets the process key. Without one an ephemeral key is
// generated on Initialize.
func WithSigner(s crypto.Signer) Option { return func(h *Heartbeat) { h.signer = s } }

func WithAuditSink(s audit.Sink) Option { return func(h *Heartbeat) { h.sink = s } }

func WithInterval(d time.Duration) Option {
	return func(h *Heartbeat) {
		if d > 0 {
			h.interval = d
		}
	}
}

func WithWindow(d time.Duration) Option {
	return func(h *Heartbeat) {
		if d > 0 {
			h.window = d
		}
	}
}

func WithMaxEntries(n int) Option {
	return func(h *Heartbeat) {
		if n > 0 {
			h.maxEntries = n
		}
	}
}

// WithPolicyIDs sets the identifiers the codex and canon references are
// derived from.
func WithPolicyIDs(codex, canon string) Option {
	return func(h *Heartbeat) {
		h.codexID = codex
		h.canonID = canon
	}
}

// Heartbeat owns the belief store. All state is guarded by mu; the tick
// goroutine and readers never observe a partially written entry.
type Heartbeat struct {
	mu            sync.Mutex
	store         []BeliefStoreEntry
	sequence      uint64
	lastWritten   uint64
	tickCount     uint64
	totalBreaches uint64
	lastTick      time.Time
	last          ContinuityResult

	// countedThrough is the highest entry sequence whose breaches have
	// been counted; staleCounted is the newest sequence already reported
	// stale.
	countedThrough uint64
	staleCounted   uint64

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	logger     *slog.Logger
	clock      Clock
	signer     crypto.Signer
	sink       audit.Sink
	interval   time.Duration
	window     time.Duration
	maxEntries int
	codexID    string
	canonID    string
}

func New(opts ...Option) *Heartbeat {
	h := &Heartbeat{
		logger:     slog.Default().With("component", componentName),
		clock:      wallClock{},
		interval:   DefaultInterval,
		window:     DefaultWindow,
		maxEntries: DefaultMaxEntries,
		codexID:    DefaultCodexID,
		canonID:    DefaultCanonID,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Initialize starts the tick goroutine. A tick is written immediately and
// then once per interval until Shutdown or ctx is cancelled.
func (h *Heartbeat) Initialize(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrAlreadyRunning
	}
	if h.signer == nil {
		s, err := crypto.NewEd25519Signer("heartbeat-ephemeral")
		if err != nil {
			h.mu.Unlock()
			return fmt.Errorf("generate heartbeat key: %w", err)
		}
		h.signer = s
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true
	done := h.done
	h.mu.Unlock()

	h.logger.Info("heartbeat started", "interval", h.interval, "window", h.window)
	go h.loop(loopCtx, done)
	return nil
}

func (h *Heartbeat) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			h.tick(ctx)
		}
	}
}

// Shutdown stops the ticker and waits for the goroutine to exit. No tick
// runs after Shutdown returns.
func (h *Heartbeat) Shutdown() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.cancel()
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("heartbeat stopped")
}

// tick writes one entry and rescans the window. A signing failure still
// consumes the sequence number so the gap is visible on the next tick.
func (h *Heartbeat) tick(ctx context.Context) {
	now := h.clock.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sequence++
	seq := h.sequence
	n := strconv.FormatUint(seq, 10)
	ev := TraceEvent{
		Timestamp: now.UTC(),
		Intention: "heartbeat_" + n,
		CodexRef:  h.codexID + "_" + n,
		CanonRef:  h.canonID + "_" + n,
		Sequence:  seq,
	}

	data, err := signingBytes(ev)
	if err == nil {
		ev.Signature, err = h.signer.Sign(data)
	}
	if err != nil {
		h.logger.Error("heartbeat tick not written", "sequence", seq, "error", err)
		return
	}

	verified := VerifyTraceEvent(h.signer.PublicKey(), ev) && seq == h.lastWritten+1
	h.store = append(h.store, BeliefStoreEntry{
		ID:       uuid.New().String(),
		Event:    ev,
		Written:  now,
		Verified: verified,
	})
	if len(h.store) > h.maxEntries {
		h.store = append(h.store[:0:0], h.store[len(h.store)-h.maxEntries:]...)
	}
	h.lastWritten = seq
	h.tickCount++
	h.lastTick = now

	h.verifyLocked(ctx, now)
}

// VerifyContinuity scans the trailing window now and returns the result.
func (h *Heartbeat) VerifyContinuity(ctx context.Context) ContinuityResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verifyLocked(ctx, h.clock.Now())
}

// verifyLocked reports at most one breach per entry: a sequence gap, else
// an unverified entry, else a late arrival. Caller must hold h.mu.
func (h *Heartbeat) verifyLocked(ctx context.Context, now time.Time) ContinuityResult {
	tolerance := h.interval + h.interval/2
	cutoff := now.Add(-h.window)

	res := ContinuityResult{CheckedAt: now, Breaches: []Breach{}}
	var prev *BeliefStoreEntry
	for i := range h.store {
		e := &h.store[i]
		if e.Written.Before(cutoff) {
			prev = e
			continue
		}
		res.TicksInWindow++

		var b *Breach
		switch {
		case prev != nil && e.Event.Sequence != prev.Event.Sequence+1:
			b = &Breach{Kind: BreachSequenceGap, Detail: fmt.Sprintf("expected %d, got %d", prev.Event.Sequence+1, e.Event.Sequence)}
		case !e.Verified:
			b = &Breach{Kind: BreachUnverified, Detail: "signature or sequence check failed"}
		case prev != nil && e.Written.Sub(prev.Written) > tolerance:
			b = &Breach{Kind: BreachMissedTick, Detail: fmt.Sprintf("%s since previous tick", e.Written.Sub(prev.Written))}
		}
		if b != nil {
			b.Sequence = e.Event.Sequence
			b.At = e.Written
			res.Breaches = append(res.Breaches, *b)
			if e.Event.Sequence > h.countedThrough {
				h.countBreach(ctx, *b)
			}
		} else if e.Verified {
			res.LastVerified = e.Written
		}
		prev = e
	}
	if n := len(h.store); n > 0 && h.store[n-1].Event.Sequence > h.countedThrough {
		h.countedThrough = h.store[n-1].Event.Sequence
	}

	if n := len(h.store); n > 0 {
		newest := h.store[n-1]
		if age := now.Sub(newest.Written); age > tolerance {
			b := Breach{
				Kind:     BreachStale,
				Sequence: newest.Event.Sequence,
				At:       now,
				Detail:   fmt.Sprintf("no tick for %s", age),
			}
			res.Breaches = append(res.Breaches, b)
			if newest.Event.Sequence > h.staleCounted {
				h.staleCounted = newest.Event.Sequence
				h.countBreach(ctx, b)
			}
		}
	}

	res.Healthy = res.TicksInWindow > 0 && len(res.Breaches) == 0
	h.last = res
	return res
}

func (h *Heartbeat) countBreach(ctx context.Context, b Breach) {
	h.totalBreaches++
	h.logger.Warn("continuity breach", "kind", b.Kind, "sequence", b.Sequence, "detail", b.Detail)
	if h.sink == nil {
		return
	}
	err := h.sink.Write(ctx, audit.Entry{
		Timestamp: b.At,
		Component: componentName,
		Event:     EventContinuityBreach,
		Subject:   strconv.FormatUint(b.Sequence, 10),
		Metadata:  map[string]string{"kind": string(b.Kind), "detail": b.Detail},
	})
	if err != nil {
		h.logger.Error("continuity breach not audited", "sequence", b.Sequence, "error", err)
	}
}

// ContinuityStatus returns the result of the most recent scan.
func (h *Heartbeat) ContinuityStatus() ContinuityResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.last
	out.Breaches = append([]Breach(nil), h.last.Breaches...)
	return out
}

func (h *Heartbeat) HeartbeatState() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := State{
		Running:       h.running,
		Sequence:      h.sequence,
		TickCount:     h.tickCount,
		TotalBreaches: h.totalBreaches,
		LastTick:      h.lastTick,
		Interval:      h.interval,
		Window:        h.window,
	}
	if h.signer != nil {
		s.PublicKey = h.signer.PublicKey()
	}
	return s
}

// BeliefStore returns a copy of the retained entries, oldest first.
func (h *Heartbeat) BeliefStore() []BeliefStoreEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]BeliefStoreEntry(nil), h.store...)
}

// VerifyTraceEvent checks ev's signature against a hex Ed25519 public key.
func VerifyTraceEvent(publicKey string, ev TraceEvent) bool {
	if ev.Signature == "" {
		return false
	}
	data, err := signingBytes(ev)
	if err != nil {
		return false
	}
	ok, err := crypto.Verify(publicKey, ev.Signature, data)
	return err == nil && ok
}

func signingBytes(ev TraceEvent) ([]byte, error) {
	ev.Signature = ""
	return canonicalize.JCS(ev)
}
