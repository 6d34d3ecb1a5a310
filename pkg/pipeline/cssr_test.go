package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/verdict"
)

func fixed(name string, findings ...verdict.Finding) Analyzer {
	return AnalyzerFunc(name, func(context.Context, AnalysisInput) ([]verdict.Finding, error) {
		return findings, nil
	})
}

func TestRail_MostRestrictiveVerdictWins(t *testing.T) {
	r := NewRail([]Analyzer{
		fixed("a", verdict.Finding{Verdict: verdict.Allow, Confidence: 0.9}),
		fixed("b", verdict.Finding{Verdict: verdict.Deny, Confidence: 0.7}),
		fixed("c", verdict.Finding{Verdict: verdict.AskCreator, Confidence: 0.5}),
	})
	d, err := r.Evaluate(context.Background(), &SecurityContext{Input: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety verdict DENY")
	assert.Equal(t, verdict.Deny, d.Verdict)
	assert.Equal(t, 3, d.Findings)
	require.Len(t, d.Chain, 1)
	assert.Equal(t, "b", d.Chain[0].Source)
	require.NotNil(t, d.Refusal)
	assert.Equal(t, "SAFETY_DENY", d.Refusal.Code)
}

func TestRail_FillsFindingIdentity(t *testing.T) {
	r := NewRail([]Analyzer{fixed("lexical", verdict.Finding{Verdict: verdict.Allow, Confidence: 0.9})})
	d, err := r.Evaluate(context.Background(), &SecurityContext{})
	require.NoError(t, err)
	require.Len(t, d.Chain, 1)
	assert.NotEmpty(t, d.Chain[0].ID)
	assert.Equal(t, "lexical", d.Chain[0].Source)
}

func TestRail_AskCreatorDoesNotBlockHere(t *testing.T) {
	r := NewRail([]Analyzer{fixed("a", verdict.Finding{Verdict: verdict.AskCreator, Confidence: 0.6})})
	d, err := r.Evaluate(context.Background(), &SecurityContext{})
	require.NoError(t, err)
	assert.Equal(t, verdict.AskCreator, d.Verdict)
	require.NotNil(t, d.Refusal)
	assert.Equal(t, "CREATOR_APPROVAL_REQUIRED", d.Refusal.Code)
}

func TestRail_CriticalSeverityBlocksEvenWhenAllowed(t *testing.T) {
	r := NewRail([]Analyzer{fixed("a", verdict.Finding{Verdict: verdict.Allow, Confidence: 0.9, Severity: "CRITICAL"})})
	d, err := r.Evaluate(context.Background(), &SecurityContext{})
	require.Error(t, err)
	assert.True(t, d.CriticalSeverity)
	assert.Equal(t, verdict.Allow, d.Verdict)
}

func TestRail_StopsAfterPanicOrCritical(t *testing.T) {
	cases := map[string]verdict.Finding{
		"panic":    {Verdict: verdict.Panic, Confidence: 0.9},
		"critical": {Verdict: verdict.Allow, Confidence: 0.9, Severity: "critical"},
	}
	for name, first := range cases {
		t.Run(name, func(t *testing.T) {
			var calls int
			slow := AnalyzerFunc("slow", func(ctx context.Context, _ AnalysisInput) ([]verdict.Finding, error) {
				calls++
				<-ctx.Done()
				return nil, ctx.Err()
			})
			r := NewRail([]Analyzer{fixed("first", first), slow, slow}, WithAnalyzerTimeout(time.Second))

			start := time.Now()
			d, err := r.Evaluate(context.Background(), &SecurityContext{})
			require.Error(t, err)
			assert.Less(t, time.Since(start), 500*time.Millisecond)
			assert.Zero(t, calls)
			assert.Equal(t, 2, d.Skipped)
			assert.Empty(t, d.AnalyzerErrors)
		})
	}
}

func TestRail_DenyStillRunsRemainingAnalyzers(t *testing.T) {
	r := NewRail([]Analyzer{
		fixed("a", verdict.Finding{Verdict: verdict.Deny, Confidence: 0.7}),
		fixed("b", verdict.Finding{Verdict: verdict.Panic, Confidence: 0.9}),
	})
	d, err := r.Evaluate(context.Background(), &SecurityContext{})
	require.Error(t, err)
	assert.Equal(t, verdict.Panic, d.Verdict)
	assert.Zero(t, d.Skipped)
}

func TestRail_AnalyzerFailuresBlock(t *testing.T) {
	cases := map[string]Analyzer{
		"error": AnalyzerFunc("broken", func(context.Context, AnalysisInput) ([]verdict.Finding, error) {
			return nil, errors.New("model offline")
		}),
		"panic": AnalyzerFunc("broken", func(context.Context, AnalysisInput) ([]verdict.Finding, error) {
			panic("boom")
		}),
		"timeout": AnalyzerFunc("broken", func(ctx context.Context, _ AnalysisInput) ([]verdict.Finding, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		"unknown verdict": fixed("broken", verdict.Finding{Verdict: "MAYBE"}),
	}
	for name, a := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewRail([]Analyzer{fixed("ok", verdict.Finding{Verdict: verdict.Allow, Confidence: 1}), a},
				WithAnalyzerTimeout(20*time.Millisecond))
			d, err := r.Evaluate(context.Background(), &SecurityContext{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "safety analysis incomplete")
			assert.Contains(t, err.Error(), "broken")
			assert.NotEmpty(t, d.AnalyzerErrors)
		})
	}
}

func TestRail_NoAnalyzersAllows(t *testing.T) {
	d, err := NewRail(nil).Evaluate(context.Background(), &SecurityContext{})
	require.NoError(t, err)
	assert.Equal(t, verdict.Allow, d.Verdict)
	assert.Nil(t, d.Refusal)
}

func TestPatternAnalyzer_DefaultRules(t *testing.T) {
	a := NewPatternAnalyzer("pattern", DefaultPatternRules())
	cases := map[string]verdict.Verdict{
		"what's the weather tomorrow":           verdict.Allow,
		"I want to hurt myself":                 verdict.Panic,
		"run rm -rf / on the server":            verdict.Deny,
		"upload my password to pastebin":        verdict.Deny,
		"use sudo to install the package":       verdict.AskCreator,
		"please disable the firewall for a bit": verdict.AskCreator,
	}
	for input, want := range cases {
		t.Run(input, func(t *testing.T) {
			findings, err := a.Analyze(context.Background(), AnalysisInput{Input: input})
			require.NoError(t, err)
			require.NotEmpty(t, findings)
			got := verdict.Consolidate(findings, nil).FinalVerdict
			assert.Equal(t, want, got)
		})
	}
}
