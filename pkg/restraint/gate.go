package restraint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

const componentName = "restraint"

// DefaultHistorySize bounds each signal history.
const DefaultHistorySize = 100

const (
	EventCapApplied = "CAPABILITY_CAP_APPLIED"
	EventCapCleared = "CAPABILITY_CAP_CLEARED"
)

var ErrUnknownSeverity = errors.New("restraint: unknown risk severity")

// ErrInvalidLevel is returned for an arousal level that is not a number.
var ErrInvalidLevel = errors.New("restraint: arousal level is NaN")

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type Option func(*Gate)

func WithLogger(l *slog.Logger) Option { return func(g *Gate) { g.logger = l } }

func WithClock(c Clock) Option { return func(g *Gate) { g.clock = c } }

// WithAuditSink records every cap transition.
func WithAuditSink(s audit.Sink) Option { return func(g *Gate) { g.sink = s } }

func WithThresholds(t Thresholds) Option { return func(g *Gate) { g.thresholds = t } }

func WithHistorySize(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.historySize = n
		}
	}
}

// WithSensitiveCapabilities replaces the set capped by signal processing.
func WithSensitiveCapabilities(caps ...string) Option {
	return func(g *Gate) { g.sensitive = append([]string(nil), caps...) }
}

// Gate owns the restraint state. Signal processing only escalates caps;
// lowering or lifting a cap is always an explicit call.
type Gate struct {
	mu             sync.Mutex
	state          State
	arousalHistory []ArousalSignal
	riskHistory    []RiskSignal

	logger      *slog.Logger
	clock       Clock
	sink        audit.Sink
	thresholds  Thresholds
	historySize int
	sensitive   []string
}

func New(opts ...Option) *Gate {
	g := &Gate{
		logger:      slog.Default().With("component", componentName),
		clock:       wallClock{},
		thresholds:  DefaultThresholds,
		historySize: DefaultHistorySize,
		sensitive:   append([]string(nil), DefaultSensitiveCapabilities...),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.state = State{
		RiskLevel:  SeverityLow,
		Caps:       make(map[string]CapabilityCap),
		LastUpdate: g.clock.Now(),
	}
	return g
}

// ProcessArousalSignal records s and escalates caps if the new level
// demands it. Levels outside 0-100 are clamped; NaN is rejected and leaves
// the state unchanged.
func (g *Gate) ProcessArousalSignal(ctx context.Context, s ArousalSignal) error {
	if math.IsNaN(s.Level) {
		return ErrInvalidLevel
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if s.Timestamp.IsZero() {
		s.Timestamp = g.clock.Now()
	}
	s.Level = clamp(s.Level, 0, 100)
	g.arousalHistory = appendBounded(g.arousalHistory, s, g.historySize)
	g.state.ArousalLevel = s.Level
	g.state.LastUpdate = g.clock.Now()
	return g.updateRestraints(ctx)
}

// ProcessRiskSignal records s; the latest severity becomes the risk level.
func (g *Gate) ProcessRiskSignal(ctx context.Context, s RiskSignal) error {
	if _, ok := s.Severity.restriction(); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSeverity, s.Severity)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if s.Timestamp.IsZero() {
		s.Timestamp = g.clock.Now()
	}
	g.riskHistory = appendBounded(g.riskHistory, s, g.historySize)
	g.state.RiskLevel = s.Severity
	g.state.LastUpdate = g.clock.Now()
	return g.updateRestraints(ctx)
}

// updateRestraints raises every sensitive capability to the target
// restriction. Caller must hold g.mu.
func (g *Gate) updateRestraints(ctx context.Context) error {
	target := g.thresholds.restriction(g.state.ArousalLevel)
	if risk, _ := g.state.RiskLevel.restriction(); risk > target {
		target = risk
	}
	if target == Unrestricted {
		return nil
	}

	reason := fmt.Sprintf("arousal=%.0f risk=%s", g.state.ArousalLevel, g.state.RiskLevel)
	var errs []error
	for _, capability := range g.sensitive {
		if current, ok := g.state.Caps[capability]; ok && current.Restriction >= target {
			continue
		}
		params := map[string]any{
			"arousal_level": g.state.ArousalLevel,
			"risk_level":    string(g.state.RiskLevel),
		}
		if err := g.applyLocked(ctx, capability, target, params, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyCapabilityCap sets the cap for capability, replacing any previous
// one. It may lower a restriction.
func (g *Gate) ApplyCapabilityCap(ctx context.Context, capability string, r Restriction, params map[string]any, reason string) error {
	if capability == "" {
		return errors.New("restraint: capability name required")
	}
	if r < Unrestricted || r > Blocked {
		return fmt.Errorf("restraint: invalid restriction %d", int(r))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyLocked(ctx, capability, r, params, reason)
}

// applyLocked commits the cap before auditing it, so an audit failure
// never leaves a capability less restricted than requested.
func (g *Gate) applyLocked(ctx context.Context, capability string, r Restriction, params map[string]any, reason string) error {
	now := g.clock.Now()
	previous, had := g.state.Caps[capability]
	g.state.Caps[capability] = CapabilityCap{
		Capability:  capability,
		Restriction: r,
		Parameters:  params,
		AppliedAt:   now,
		Reason:      reason,
	}.clone()
	g.state.LastUpdate = now

	from := Unrestricted
	if had {
		from = previous.Restriction
	}
	g.logger.Info("capability cap applied",
		"capability", capability,
		"from", from.String(),
		"to", r.String(),
		"reason", reason)

	return g.audit(ctx, EventCapApplied, capability, map[string]string{
		"from":   from.String(),
		"to":     r.String(),
		"reason": reason,
	})
}

// ClearCapabilityCap lifts the cap on capability. Clearing an absent cap
// is a no-op.
func (g *Gate) ClearCapabilityCap(ctx context.Context, capability string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	previous, ok := g.state.Caps[capability]
	if !ok {
		return nil
	}
	delete(g.state.Caps, capability)
	g.state.LastUpdate = g.clock.Now()
	g.logger.Info("capability cap cleared", "capability", capability, "from", previous.Restriction.String())

	return g.audit(ctx, EventCapCleared, capability, map[string]string{
		"from": previous.Restriction.String(),
	})
}

func (g *Gate) audit(ctx context.Context, event, capability string, md map[string]string) error {
	if g.sink == nil {
		return nil
	}
	err := g.sink.Write(ctx, audit.Entry{
		Timestamp: g.clock.Now(),
		Component: componentName,
		Event:     event,
		Subject:   capability,
		Metadata:  md,
	})
	if err != nil {
		return fmt.Errorf("audit %s for %s: %w", event, capability, err)
	}
	return nil
}

// CapabilityCaps returns a copy of the active caps.
func (g *Gate) CapabilityCaps() map[string]CapabilityCap {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyCaps(g.state.Caps)
}

// RestraintState returns a copy of the full state.
func (g *Gate) RestraintState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	s.Caps = copyCaps(g.state.Caps)
	return s
}

// RestrictionFor returns the active restriction for capability, or
// Unrestricted when no cap exists.
func (g *Gate) RestrictionFor(capability string) Restriction {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.state.Caps[capability]; ok {
		return c.Restriction
	}
	return Unrestricted
}

func (g *Gate) ArousalHistory() []ArousalSignal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ArousalSignal(nil), g.arousalHistory...)
}

func (g *Gate) RiskHistory() []RiskSignal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RiskSignal(nil), g.riskHistory...)
}

func copyCaps(in map[string]CapabilityCap) map[string]CapabilityCap {
	out := make(map[string]CapabilityCap, len(in))
	for k, v := range in {
		out[k] = v.clone()
	}
	return out
}

func appendBounded[T any](buf []T, v T, limit int) []T {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = append(buf[:0:0], buf[len(buf)-limit:]...)
	}
	return buf
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
