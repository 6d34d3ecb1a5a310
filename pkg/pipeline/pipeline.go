package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/quadranlock"
	"github.com/Mindburn-Labs/sentinel/pkg/restraint"
)

const (
	DefaultMinQuadrants = 2
	DefaultTimeout      = 10 * time.Second
)

// EventDecision is the audit event recorded for every evaluation.
const EventDecision = "PIPELINE_DECISION"

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithClock(c Clock) Option { return func(p *Pipeline) { p.clock = c } }

func WithMinQuadrants(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.minQuadrants = n
		}
	}
}

// WithTimeout bounds a whole evaluation.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithSafetyRail(r SafetyRail) Option { return func(p *Pipeline) { p.rail = r } }

func WithGuardrails(g Guardrails) Option { return func(p *Pipeline) { p.guards = g } }

func WithOverrides(o OverrideEvaluator) Option { return func(p *Pipeline) { p.overrides = o } }

func WithDoctrine(d Doctrine) Option { return func(p *Pipeline) { p.doctrine = d } }

// WithRestraintGate uses the default doctrine over g.
func WithRestraintGate(g *restraint.Gate) Option {
	return func(p *Pipeline) {
		if g == nil {
			p.doctrine = NewRestraintDoctrine(nil)
			return
		}
		p.doctrine = NewRestraintDoctrine(g)
	}
}

// WithAuditSink records every decision synchronously.
func WithAuditSink(s audit.Sink) Option { return func(p *Pipeline) { p.sink = s } }

func WithObservability(o *observability.Provider) Option { return func(p *Pipeline) { p.obs = o } }

// WithSLOTracker records per-stage latency and pass rate.
func WithSLOTracker(t *observability.SLOTracker) Option { return func(p *Pipeline) { p.slo = t } }

// Pipeline is safe for concurrent use; no per-request state is shared.
type Pipeline struct {
	auth      Authenticator
	rail      SafetyRail
	guards    Guardrails
	overrides OverrideEvaluator
	doctrine  Doctrine

	sink   audit.Sink
	obs    *observability.Provider
	slo    *observability.SLOTracker
	logger *slog.Logger
	clock  Clock

	minQuadrants int
	timeout      time.Duration
}

// New builds a pipeline over auth. Stages not supplied through options use
// the built-in implementations.
func New(auth Authenticator, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		auth:         auth,
		logger:       slog.Default().With("component", "pipeline"),
		clock:        wallClock{},
		minQuadrants: DefaultMinQuadrants,
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.rail == nil {
		p.rail = NewRail([]Analyzer{NewPatternAnalyzer("pattern", DefaultPatternRules())})
	}
	if p.guards == nil {
		p.guards = NewStaticGuardrails()
	}
	if p.overrides == nil {
		o, err := NewCELOverrides(DefaultOverrideRules)
		if err != nil {
			return nil, err
		}
		p.overrides = o
	}
	if p.doctrine == nil {
		p.doctrine = NewRestraintDoctrine(nil)
	}
	if p.obs == nil {
		obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		p.obs = obs
	}
	return p, nil
}

// Evaluate runs every stage in order and stops at the first failure. It
// never panics and never returns a raw error; every outcome is a result.
func (p *Pipeline) Evaluate(ctx context.Context, sc SecurityContext) SecurityResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ctx, done := p.obs.TrackOperation(ctx, "pipeline.evaluate",
		observability.CapabilityOperation(sc.Capability)...)
	observability.SetSpanAttributes(ctx, observability.CallerAttributes(sc.DeviceID, sc.SessionID)...)

	res := p.run(ctx, &sc)
	res.Timestamp = p.clock.Now()

	if err := p.recordDecision(ctx, &sc, res); err != nil {
		p.logger.Error("decision audit failed", "error", err)
		res.Passed = false
		res.Stage = StageAudit
		res.BlockedReason = err.Error()
	}

	observability.SetSpanAttributes(ctx,
		observability.AttrPassed.Bool(res.Passed),
		observability.AttrStage.String(res.Stage))
	p.obs.RecordDecision(ctx, res.Stage, res.Passed)
	if res.Passed {
		done(nil)
	} else {
		done(&StageError{Stage: res.Stage, Reason: res.BlockedReason})
	}
	return res
}

type stageFunc func(ctx context.Context, sc *SecurityContext, d *Details) error

func (p *Pipeline) run(ctx context.Context, sc *SecurityContext) SecurityResult {
	steps := []struct {
		name string
		fn   stageFunc
	}{
		{StageQuadranLock, p.quadranLock},
		{StageCSSR, p.cssr},
		{StageGuardrails, p.guardrails},
		{StageOverrides, p.overrideConditions},
		{StageDoctrine, p.restraintDoctrine},
	}

	res := SecurityResult{}
	for _, step := range steps {
		if err := p.runStage(ctx, step.name, step.fn, sc, &res.Details); err != nil {
			var se *StageError
			if !errors.As(err, &se) {
				se = &StageError{Stage: step.name, Reason: err.Error(), Err: err}
			}
			p.logger.Info("request blocked", "stage", se.Stage, "reason", se.Reason,
				"device_id", sc.DeviceID, "session_id", sc.SessionID)
			res.Stage = se.Stage
			res.BlockedReason = se.Reason
			return res
		}
	}
	res.Passed = true
	res.Stage = StageComplete
	return res
}

// runStage executes one stage under its own span and converts panics and
// errors into a *StageError for that stage.
func (p *Pipeline) runStage(ctx context.Context, name string, fn stageFunc, sc *SecurityContext, d *Details) (err error) {
	if cerr := ctx.Err(); cerr != nil {
		return &StageError{Stage: name, Reason: "pipeline deadline exceeded before stage", Err: cerr}
	}

	start := time.Now()
	sctx, done := p.obs.TrackOperation(ctx, "pipeline.stage."+name, observability.StageOperation(name)...)
	defer func() {
		if rec := recover(); rec != nil {
			err = &StageError{Stage: name, Reason: fmt.Sprintf("internal error: %v", rec)}
		}
		if err != nil {
			var se *StageError
			if !errors.As(err, &se) {
				err = &StageError{Stage: name, Reason: err.Error(), Err: err}
			}
		}
		done(err)
		if p.slo != nil {
			p.slo.Record(observability.SLOObservation{Operation: name, Latency: time.Since(start), Success: err == nil})
		}
	}()

	return fn(sctx, sc, d)
}

func (p *Pipeline) quadranLock(ctx context.Context, sc *SecurityContext, d *Details) error {
	details := &QuadranLockDetails{Required: p.minQuadrants, Quadrants: []quadranlock.Quadrant{}}
	d.QuadranLock = details
	if p.auth == nil {
		return errors.New("no authenticator configured")
	}

	seen := make(map[quadranlock.Quadrant]bool)
	for _, cred := range sc.Credentials {
		if seen[cred.Quadrant] {
			continue
		}
		ok, err := p.auth.AuthenticateQuadrant(ctx, cred)
		if err != nil {
			return fmt.Errorf("authentication unavailable: %w", err)
		}
		if ok {
			seen[cred.Quadrant] = true
			details.Quadrants = append(details.Quadrants, cred.Quadrant)
		}
	}
	details.Authenticated = len(details.Quadrants)
	observability.SetSpanAttributes(ctx, observability.AttrQuadrants.Int(details.Authenticated))

	if details.Authenticated < p.minQuadrants {
		return fmt.Errorf("insufficient quadrant authentication: %d/%d authenticated, %d required",
			details.Authenticated, len(quadranlock.Quadrants), p.minQuadrants)
	}
	return nil
}

func (p *Pipeline) cssr(ctx context.Context, sc *SecurityContext, d *Details) error {
	details, err := p.rail.Evaluate(ctx, sc)
	d.CSSR = details
	if details != nil {
		observability.SetSpanAttributes(ctx, observability.AttrVerdict.String(string(details.Verdict)))
	}
	return err
}

func (p *Pipeline) guardrails(ctx context.Context, sc *SecurityContext, d *Details) error {
	details, err := p.guards.Check(ctx, sc)
	d.Guardrails = details
	return err
}

func (p *Pipeline) overrideConditions(ctx context.Context, sc *SecurityContext, d *Details) error {
	details, err := p.overrides.Evaluate(ctx, sc)
	if details == nil {
		details = &OverrideDetails{Active: []string{}}
	}
	if err != nil {
		p.logger.Warn("override evaluation failed; no overrides active", "error", err)
		details.Active = []string{}
		details.Errors = append(details.Errors, err.Error())
	}
	for _, name := range details.Active {
		observability.AddSpanEvent(ctx, "override.active", observability.AttrOverride.String(name))
	}
	d.Overrides = details
	return nil
}

// restraintDoctrine is advisory: failures inside it degrade to a
// low-confidence pass instead of blocking.
func (p *Pipeline) restraintDoctrine(ctx context.Context, sc *SecurityContext, d *Details) error {
	details, err := p.safeAssess(ctx, sc, *d)
	if err != nil || details == nil {
		reason := "doctrine returned no assessment"
		if err != nil {
			reason = err.Error()
		}
		p.logger.Warn("restraint doctrine degraded to fallback", "reason", reason)
		d.Doctrine = &DoctrineDetails{
			Appropriate: true,
			Confidence:  FallbackConfidence,
			Fallback:    true,
			Reason:      reason,
		}
		observability.SetSpanAttributes(ctx, observability.AttrFallback.Bool(true))
		return nil
	}

	d.Doctrine = details
	if details.Restriction != "" {
		observability.SetSpanAttributes(ctx, observability.AttrRestriction.String(details.Restriction))
	}
	if !details.Appropriate {
		return errors.New(details.Reason)
	}
	return nil
}

func (p *Pipeline) safeAssess(ctx context.Context, sc *SecurityContext, prior Details) (out *DoctrineDetails, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, fmt.Errorf("doctrine panicked: %v", rec)
		}
	}()
	return p.doctrine.Assess(ctx, sc, prior)
}

func (p *Pipeline) recordDecision(ctx context.Context, sc *SecurityContext, res SecurityResult) error {
	if p.sink == nil {
		return nil
	}
	md := map[string]string{
		"passed":    strconv.FormatBool(res.Passed),
		"stage":     res.Stage,
		"device_id": sc.DeviceID,
		"user_id":   sc.UserID,
	}
	if res.BlockedReason != "" {
		md["blocked_reason"] = res.BlockedReason
	}
	if sc.Capability != "" {
		md["capability"] = sc.Capability
	}
	if o := res.Details.Overrides; o != nil && len(o.Active) > 0 {
		md["overrides"] = strings.Join(o.Active, ",")
	}
	if dd := res.Details.Doctrine; dd != nil && dd.Fallback {
		md["fallback"] = "true"
	}

	// The decision must be recorded even when the evaluation deadline
	// has already passed.
	actx := context.WithoutCancel(ctx)
	err := p.sink.Write(actx, audit.Entry{
		Timestamp: res.Timestamp,
		Component: "pipeline",
		Event:     EventDecision,
		Subject:   sc.SessionID,
		Metadata:  md,
	})
	if err != nil {
		return fmt.Errorf("decision audit failed: %w", err)
	}
	return nil
}
