// Package kernel wires the process-wide authentication, restraint,
// heartbeat and pipeline singletons from a config.
package kernel

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq" // postgres audit sink
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite" // sqlite audit sink

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
	"github.com/Mindburn-Labs/sentinel/pkg/config"
	"github.com/Mindburn-Labs/sentinel/pkg/crypto"
	"github.com/Mindburn-Labs/sentinel/pkg/heartbeat"
	"github.com/Mindburn-Labs/sentinel/pkg/observability"
	"github.com/Mindburn-Labs/sentinel/pkg/pipeline"
	"github.com/Mindburn-Labs/sentinel/pkg/policy"
	"github.com/Mindburn-Labs/sentinel/pkg/quadranlock"
	"github.com/Mindburn-Labs/sentinel/pkg/restraint"
)

// Version is reported by the CLI and the telemetry resource.
const Version = "0.1.0"

// heartbeatKeyInfo separates the heartbeat key from anything else derived
// from the same seed.
const heartbeatKeyInfo = "sentinel/heartbeat/v1"

type Option func(*Kernel)

func WithLogger(l *slog.Logger) Option { return func(k *Kernel) { k.logger = l } }

// WithAnalyzers adds safety analyzers after the built-in pattern analyzer.
func WithAnalyzers(a ...pipeline.Analyzer) Option {
	return func(k *Kernel) { k.analyzers = append(k.analyzers, a...) }
}

// Kernel owns every long-lived component. Build it with New, start the
// background work with Start and release it with Close.
type Kernel struct {
	Config        *config.Config
	Audit         *audit.Log
	Policy        *policy.Set
	Auth          *quadranlock.Orchestrator
	Restraint     *restraint.Gate
	Heartbeat     *heartbeat.Heartbeat
	Pipeline      *pipeline.Pipeline
	Observability *observability.Provider
	SLO           *observability.SLOTracker

	logger    *slog.Logger
	analyzers []pipeline.Analyzer
	watcher   *policy.Watcher
	closers   []func() error

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds every component. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		Config: cfg,
		logger: slog.Default().With("component", "kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	if err := k.build(ctx); err != nil {
		_ = k.closeAll()
		return nil, err
	}
	return k, nil
}

func (k *Kernel) build(ctx context.Context) error {
	cfg := k.Config

	sink, err := k.openSink(ctx, cfg.Audit)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	k.Audit = audit.NewLog(sink)

	if k.Policy, err = policy.Load(cfg.Policy.Dir); err != nil {
		return err
	}
	err = k.Policy.Verify(map[string]string{
		policy.Codex:    cfg.Policy.CodexDigest,
		policy.Doctrine: cfg.Policy.DoctrineDigest,
	})
	if err != nil {
		return err
	}

	if k.Auth, err = k.buildAuth(ctx); err != nil {
		return err
	}

	gateOpts := []restraint.Option{
		restraint.WithAuditSink(k.Audit),
		restraint.WithHistorySize(cfg.Restraint.HistorySize),
		restraint.WithThresholds(restraint.Thresholds{
			Monitored: cfg.Restraint.MonitoredAt,
			Limited:   cfg.Restraint.LimitedAt,
			Blocked:   cfg.Restraint.BlockedAt,
		}),
	}
	if len(cfg.Restraint.SensitiveCapabilities) > 0 {
		gateOpts = append(gateOpts, restraint.WithSensitiveCapabilities(cfg.Restraint.SensitiveCapabilities...))
	}
	k.Restraint = restraint.New(gateOpts...)

	if cfg.Heartbeat.Enabled {
		if k.Heartbeat, err = k.buildHeartbeat(); err != nil {
			return err
		}
	}

	k.Observability, err = observability.New(ctx, &observability.Config{
		ServiceName:    "sentinel",
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return err
	}
	k.closers = append(k.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return k.Observability.Shutdown(sctx)
	})

	k.SLO = observability.NewSLOTracker()
	for _, stage := range pipeline.Stages {
		k.SLO.SetTarget(observability.SLOTarget{
			Operation:   stage,
			LatencyP99:  cfg.Telemetry.SLO.LatencyP99,
			SuccessRate: cfg.Telemetry.SLO.MinPassRate,
			Window:      cfg.Telemetry.SLO.Window,
		})
	}

	if k.Pipeline, err = k.buildPipeline(); err != nil {
		return err
	}

	if cfg.Policy.Watch {
		k.watcher, err = policy.NewWatcher(k.Policy, k.onTamper, policy.WithAuditSink(k.Audit))
		if err != nil {
			return err
		}
		k.closers = append(k.closers, k.watcher.Close)
	}
	return nil
}

func (k *Kernel) openSink(ctx context.Context, cfg config.AuditConfig) (audit.Sink, error) {
	switch cfg.Sink {
	case config.SinkMemory:
		return nil, nil
	case config.SinkJSONL:
		s, err := audit.OpenFileSink(cfg.Path)
		if err != nil {
			return nil, err
		}
		k.closers = append(k.closers, s.Close)
		return s, nil
	case config.SinkSQLite:
		return k.openSQL(ctx, "sqlite", cfg.Path, audit.DialectSQLite)
	case config.SinkPostgres:
		return k.openSQL(ctx, "postgres", cfg.DSN, audit.DialectPostgres)
	case config.SinkRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		k.closers = append(k.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return audit.NewRedisSink(client, cfg.RedisKey, cfg.RedisMaxLen), nil
	}
	return nil, fmt.Errorf("unknown audit sink %q", cfg.Sink)
}

func (k *Kernel) openSQL(ctx context.Context, driver, dsn string, dialect audit.Dialect) (audit.Sink, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	k.closers = append(k.closers, db.Close)
	if dialect == audit.DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return audit.NewSQLSink(ctx, db, dialect)
}

func (k *Kernel) buildAuth(ctx context.Context) (*quadranlock.Orchestrator, error) {
	cfg := k.Config.Auth
	opts := []quadranlock.Option{quadranlock.WithAuditSink(k.Audit)}
	if cfg.AttemptRate > 0 {
		opts = append(opts, quadranlock.WithAttemptLimit(rate.Limit(cfg.AttemptRate), cfg.AttemptBurst))
	}
	if cfg.JWTSecret != "" {
		opts = append(opts, quadranlock.WithPayloadVerifier(quadranlock.NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)))
	}
	if cfg.SealKey != "" {
		key, err := hex.DecodeString(cfg.SealKey)
		if err != nil {
			return nil, fmt.Errorf("auth.seal_key: %w", err)
		}
		sealer, err := audit.NewChaChaSealer(key)
		if err != nil {
			return nil, fmt.Errorf("auth.seal_key: %w", err)
		}
		opts = append(opts, quadranlock.WithSealer(sealer))
	}

	o := quadranlock.New(opts...)
	if err := o.Initialize(ctx, k.Policy.Registry()); err != nil {
		return nil, err
	}
	return o, nil
}

func (k *Kernel) buildHeartbeat() (*heartbeat.Heartbeat, error) {
	cfg := k.Config.Heartbeat
	var signer crypto.Signer
	if cfg.KeySeed != "" {
		seed, err := hex.DecodeString(cfg.KeySeed)
		if err != nil {
			return nil, fmt.Errorf("heartbeat.key_seed: %w", err)
		}
		s, err := crypto.DeriveEd25519Signer(seed, heartbeatKeyInfo, "heartbeat")
		if err != nil {
			return nil, fmt.Errorf("derive heartbeat key: %w", err)
		}
		signer = s
	} else {
		s, err := crypto.NewEd25519Signer("heartbeat")
		if err != nil {
			return nil, fmt.Errorf("generate heartbeat key: %w", err)
		}
		signer = s
	}

	return heartbeat.New(
		heartbeat.WithSigner(signer),
		heartbeat.WithAuditSink(k.Audit),
		heartbeat.WithInterval(cfg.Interval),
		heartbeat.WithWindow(cfg.Window),
		heartbeat.WithMaxEntries(cfg.MaxEntries),
	), nil
}

func (k *Kernel) buildPipeline() (*pipeline.Pipeline, error) {
	cfg := k.Config.Pipeline

	analyzers := append([]pipeline.Analyzer{
		pipeline.NewPatternAnalyzer("pattern", pipeline.DefaultPatternRules()),
	}, k.analyzers...)

	rules := pipeline.DefaultOverrideRules
	if fromPolicy := k.Policy.OverrideRules(); len(fromPolicy) > 0 {
		rules = make([]pipeline.OverrideRule, len(fromPolicy))
		for i, r := range fromPolicy {
			rules[i] = pipeline.OverrideRule{Name: r.Name, Expression: r.Expression}
		}
	}
	overrides, err := pipeline.NewCELOverrides(rules)
	if err != nil {
		return nil, fmt.Errorf("doctrine override rules: %w", err)
	}

	return pipeline.New(k.Auth,
		pipeline.WithSafetyRail(pipeline.NewRail(analyzers, pipeline.WithAnalyzerTimeout(cfg.AnalyzerTimeout))),
		pipeline.WithGuardrails(&pipeline.StaticGuardrails{
			MaxInputRunes: cfg.MaxInputRunes,
			MaxFailures:   cfg.MaxGuardrailFailures,
		}),
		pipeline.WithOverrides(overrides),
		pipeline.WithRestraintGate(k.Restraint),
		pipeline.WithMinQuadrants(k.Config.Auth.MinQuadrants),
		pipeline.WithTimeout(cfg.Timeout),
		pipeline.WithAuditSink(k.Audit),
		pipeline.WithObservability(k.Observability),
		pipeline.WithSLOTracker(k.SLO),
	)
}

// onTamper treats a modified policy artifact as a critical risk: every
// sensitive capability is blocked until an operator intervenes.
func (k *Kernel) onTamper(ev policy.TamperEvent) {
	err := k.Restraint.ProcessRiskSignal(context.Background(), restraint.RiskSignal{
		Severity:  restraint.SeverityCritical,
		Category:  "policy_tamper",
		Source:    ev.Name,
		Timestamp: ev.DetectedAt,
	})
	if err != nil {
		k.logger.Error("tamper risk signal failed", "artifact", ev.Name, "error", err)
	}
}

// Start launches the heartbeat and the policy watcher.
func (k *Kernel) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return errors.New("kernel already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if k.Heartbeat != nil {
		if err := k.Heartbeat.Initialize(runCtx); err != nil {
			cancel()
			return err
		}
	}
	if k.watcher != nil {
		k.wg.Add(1)
		go func() {
			defer k.wg.Done()
			if err := k.watcher.Run(runCtx); err != nil {
				k.logger.Error("policy watcher stopped", "error", err)
			}
		}()
	}
	k.cancel = cancel
	k.started = true
	k.logger.Info("kernel started",
		"heartbeat", k.Heartbeat != nil,
		"policy_watch", k.watcher != nil,
		"audit_sink", k.Config.Audit.Sink)
	return nil
}

// Close stops background work and releases sinks and exporters.
func (k *Kernel) Close() error {
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
	k.mu.Unlock()

	if k.Heartbeat != nil {
		k.Heartbeat.Shutdown()
	}
	k.wg.Wait()
	if k.Auth != nil {
		k.Auth.Shutdown()
	}
	return k.closeAll()
}

func (k *Kernel) closeAll() error {
	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	k.closers = nil
	return errors.Join(errs...)
}

// Status is a point-in-time view of the long-lived components.
type Status struct {
	Version       string                      `json:"version"`
	Authenticated int                         `json:"authenticated_quadrants"`
	Restraint     restraint.State             `json:"restraint"`
	Heartbeat     *heartbeat.State            `json:"heartbeat,omitempty"`
	Continuity    *heartbeat.ContinuityResult `json:"continuity,omitempty"`
	AuditEntries  int                         `json:"audit_entries"`
	AuditHead     string                      `json:"audit_head"`
	Policy        map[string]string           `json:"policy"`
	SLO           []observability.SLOStatus   `json:"slo"`
}

func (k *Kernel) Status() Status {
	s := Status{
		Version:       Version,
		Authenticated: k.Auth.AuthenticatedCount(),
		Restraint:     k.Restraint.RestraintState(),
		AuditEntries:  k.Audit.Len(),
		AuditHead:     k.Audit.ChainHead(),
		Policy:        k.Policy.Registry(),
	}
	for _, op := range k.SLO.Operations() {
		if st, err := k.SLO.Status(op); err == nil {
			s.SLO = append(s.SLO, st)
		}
	}
	if k.Heartbeat != nil {
		hs := k.Heartbeat.HeartbeatState()
		cs := k.Heartbeat.ContinuityStatus()
		s.Heartbeat = &hs
		s.Continuity = &cs
	}
	return s
}
