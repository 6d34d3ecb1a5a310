package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/sentinel/pkg/verdict"
)

// DefaultAnalyzerTimeout bounds each analyzer call.
const DefaultAnalyzerTimeout = 2 * time.Second

// AnalysisInput is what analyzers see of a request.
type AnalysisInput struct {
	Input          string         `json:"input"`
	RequestContext string         `json:"request_context,omitempty"`
	Behavior       Behavior       `json:"behavior"`
	SystemState    SystemState    `json:"system_state"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Analyzer is an external safety pattern analyzer.
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, in AnalysisInput) ([]verdict.Finding, error)
}

type funcAnalyzer struct {
	name string
	fn   func(ctx context.Context, in AnalysisInput) ([]verdict.Finding, error)
}

func (f funcAnalyzer) Name() string { return f.name }

func (f funcAnalyzer) Analyze(ctx context.Context, in AnalysisInput) ([]verdict.Finding, error) {
	return f.fn(ctx, in)
}

// AnalyzerFunc adapts a function to Analyzer.
func AnalyzerFunc(name string, fn func(ctx context.Context, in AnalysisInput) ([]verdict.Finding, error)) Analyzer {
	return funcAnalyzer{name: name, fn: fn}
}

// Rail is the default SafetyRail. Analyzers run one after another, each
// bounded by its own timeout, and their findings are reduced by a
// consolidator scoped to the request.
type Rail struct {
	analyzers []Analyzer
	timeout   time.Duration
	templates verdict.Templates
	logger    *slog.Logger
}

type RailOption func(*Rail)

func WithAnalyzerTimeout(d time.Duration) RailOption {
	return func(r *Rail) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRailTemplates(t verdict.Templates) RailOption {
	return func(r *Rail) { r.templates = t }
}

func WithRailLogger(l *slog.Logger) RailOption {
	return func(r *Rail) { r.logger = l }
}

func NewRail(analyzers []Analyzer, opts ...RailOption) *Rail {
	r := &Rail{
		analyzers: append([]Analyzer(nil), analyzers...),
		timeout:   DefaultAnalyzerTimeout,
		templates: verdict.DefaultTemplates,
		logger:    slog.Default().With("component", "pipeline.cssr"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rail) Evaluate(ctx context.Context, sc *SecurityContext) (*CSSRDetails, error) {
	in := AnalysisInput{
		Input:          sc.Input,
		RequestContext: sc.RequestContext,
		Behavior:       sc.Behavior,
		SystemState:    sc.SystemState,
		Metadata:       sc.Metadata,
	}

	consolidator := verdict.NewConsolidator(verdict.WithTemplates(r.templates), verdict.WithLogger(r.logger))
	details := &CSSRDetails{}
	var failures []error
	var panicked bool

	for i, a := range r.analyzers {
		findings, err := r.run(ctx, a, in)
		if err != nil {
			details.AnalyzerErrors = append(details.AnalyzerErrors, err.Error())
			failures = append(failures, err)
			continue
		}
		for _, f := range findings {
			if f.ID == "" {
				f.ID = uuid.New().String()
			}
			if f.Source == "" {
				f.Source = a.Name()
			}
			if strings.EqualFold(f.Severity, verdict.SeverityCritical) {
				details.CriticalSeverity = true
			}
			if err := consolidator.IngestFinding(f); err != nil {
				details.AnalyzerErrors = append(details.AnalyzerErrors, err.Error())
				failures = append(failures, fmt.Errorf("analyzer %s: %w", a.Name(), err))
				continue
			}
			if f.Verdict == verdict.Panic {
				panicked = true
			}
		}
		if panicked || details.CriticalSeverity {
			// Nothing a later analyzer reports can lift this block.
			details.Skipped = len(r.analyzers) - i - 1
			break
		}
	}

	c := consolidator.ConsolidateVerdict()
	details.Verdict = c.FinalVerdict
	details.Findings = len(consolidator.Findings())
	details.Chain = c.PrecedenceChain
	details.Refusal = c.RefusalTemplate
	details.Mitigation = c.Mitigation

	switch {
	case len(failures) > 0:
		return details, fmt.Errorf("safety analysis incomplete: %w", errors.Join(failures...))
	case c.Blocking():
		return details, fmt.Errorf("safety verdict %s from %d finding(s)", c.FinalVerdict, len(c.PrecedenceChain))
	case details.CriticalSeverity:
		return details, errors.New("critical severity finding")
	}
	return details, nil
}

type analyzerResult struct {
	findings []verdict.Finding
	err      error
}

// run calls a under the analyzer timeout. The result channel is buffered
// so an analyzer that outlives its deadline does not leak a blocked send.
func (r *Rail) run(ctx context.Context, a Analyzer, in AnalysisInput) ([]verdict.Finding, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := make(chan analyzerResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- analyzerResult{err: fmt.Errorf("analyzer %s panicked: %v", a.Name(), rec)}
			}
		}()
		f, err := a.Analyze(actx, in)
		ch <- analyzerResult{findings: f, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("analyzer %s: %w", a.Name(), res.err)
		}
		return res.findings, nil
	case <-actx.Done():
		r.logger.Warn("analyzer timed out", "analyzer", a.Name(), "timeout", r.timeout)
		return nil, fmt.Errorf("analyzer %s: %w", a.Name(), actx.Err())
	}
}

// PatternRule flags input matching Pattern.
type PatternRule struct {
	Name       string
	Pattern    *regexp.Regexp
	Verdict    verdict.Verdict
	Severity   string
	Confidence float64
}

// PatternAnalyzer is a built-in lexical analyzer over the request input.
type PatternAnalyzer struct {
	name  string
	rules []PatternRule
}

func NewPatternAnalyzer(name string, rules []PatternRule) *PatternAnalyzer {
	return &PatternAnalyzer{name: name, rules: append([]PatternRule(nil), rules...)}
}

func (p *PatternAnalyzer) Name() string { return p.name }

func (p *PatternAnalyzer) Analyze(ctx context.Context, in AnalysisInput) ([]verdict.Finding, error) {
	var out []verdict.Finding
	for _, rule := range p.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rule.Pattern.MatchString(in.Input) {
			out = append(out, verdict.Finding{
				Verdict:    rule.Verdict,
				Confidence: rule.Confidence,
				Source:     p.name + "/" + rule.Name,
				Severity:   rule.Severity,
			})
		}
	}
	if len(out) == 0 {
		out = append(out, verdict.Finding{Verdict: verdict.Allow, Confidence: 0.5, Source: p.name})
	}
	return out, nil
}

// DefaultPatternRules is a small baseline rule set.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		{
			Name:       "self-harm",
			Pattern:    regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+(myself|yourself)\b`),
			Verdict:    verdict.Panic,
			Severity:   verdict.SeverityCritical,
			Confidence: 0.9,
		},
		{
			Name:       "destructive-command",
			Pattern:    regexp.MustCompile(`(?i)\brm\s+-rf\s+/|\bmkfs\.|\bdd\s+if=.*\bof=/dev/`),
			Verdict:    verdict.Deny,
			Severity:   "high",
			Confidence: 0.85,
		},
		{
			Name:       "credential-exfiltration",
			Pattern:    regexp.MustCompile(`(?i)\b(send|upload|post|exfiltrate)\b.*\b(password|api[_ -]?key|private key|credentials?)\b`),
			Verdict:    verdict.Deny,
			Severity:   "high",
			Confidence: 0.8,
		},
		{
			Name:       "privilege-escalation",
			Pattern:    regexp.MustCompile(`(?i)\b(sudo|chmod\s+777|disable (the )?(firewall|safety))\b`),
			Verdict:    verdict.AskCreator,
			Severity:   "medium",
			Confidence: 0.6,
		},
	}
}
