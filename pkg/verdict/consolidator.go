package verdict

import (
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time for deterministic testing.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Option configures a Consolidator.
type Option func(*Consolidator)

func WithClock(c Clock) Option {
	return func(v *Consolidator) { v.clock = c }
}

func WithTemplates(t Templates) Option {
	return func(v *Consolidator) { v.templates = t }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Consolidator) { v.logger = l }
}

// Consolidator accumulates findings for one decision cycle. Callers must
// call ClearFindings between cycles; nothing expires on its own.
type Consolidator struct {
	mu        sync.Mutex
	findings  []Finding
	clock     Clock
	templates Templates
	logger    *slog.Logger
}

func NewConsolidator(opts ...Option) *Consolidator {
	c := &Consolidator{
		clock:     wallClock{},
		templates: DefaultTemplates,
		logger:    slog.Default().With("component", "verdict"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IngestFinding appends f, stamping it with the current time when its
// timestamp is unset. Findings are not deduplicated.
func (c *Consolidator) IngestFinding(f Finding) error {
	if err := validate(f); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Timestamp.IsZero() {
		f.Timestamp = c.clock.Now()
	}
	c.findings = append(c.findings, f)
	return nil
}

// ConsolidateVerdict computes the verdict over the buffered findings
// without modifying them.
func (c *Consolidator) ConsolidateVerdict() Consolidated {
	c.mu.Lock()
	findings := append([]Finding(nil), c.findings...)
	now := c.clock.Now()
	c.mu.Unlock()

	out := Consolidate(findings, c.templates)
	out.ConsolidatedAt = now
	if out.FinalVerdict != Allow {
		c.logger.Info("verdict consolidated",
			"verdict", out.FinalVerdict,
			"findings", len(findings),
			"chain", len(out.PrecedenceChain))
	}
	return out
}

// Findings returns a copy of the buffered findings.
func (c *Consolidator) Findings() []Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Finding(nil), c.findings...)
}

func (c *Consolidator) ClearFindings() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.findings = nil
}

// Consolidate is the pure reduction behind ConsolidateVerdict. The highest
// precedence present wins outright; count does not matter.
func Consolidate(findings []Finding, templates Templates) Consolidated {
	out := Consolidated{FinalVerdict: Allow, PrecedenceChain: []Finding{}}
	if len(findings) == 0 {
		return out
	}

	winner := Allow
	for _, f := range findings {
		if f.Verdict.Precedence() > winner.Precedence() {
			winner = f.Verdict
		}
	}

	out.FinalVerdict = winner
	for _, f := range findings {
		if f.Verdict == winner {
			out.PrecedenceChain = append(out.PrecedenceChain, f)
		}
	}

	if winner == Allow || templates == nil {
		return out
	}
	tmpl, suggestions, ok := templates.TemplateFor(winner)
	if !ok {
		return out
	}
	m := &Mitigation{Suggestions: suggestions}
	seen := make(map[string]bool)
	for _, f := range out.PrecedenceChain {
		m.FindingIDs = append(m.FindingIDs, f.ID)
		if !seen[f.Source] {
			seen[f.Source] = true
			m.Sources = append(m.Sources, f.Source)
		}
	}
	out.RefusalTemplate = &tmpl
	out.Mitigation = m
	return out
}
