package pipeline

import (
	"context"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultMaxInputRunes        = 10000
	DefaultMaxGuardrailFailures = 2
)

// Guardrail check names.
const (
	CheckInputLength    = "input_length"
	CheckSystemStable   = "system_stable"
	CheckBehaviorNormal = "behavior_normal"
	CheckCreatorPresent = "creator_present"
)

// StaticGuardrails runs deterministic checks and tolerates up to
// MaxFailures of them failing at once.
type StaticGuardrails struct {
	MaxInputRunes int
	MaxFailures   int
}

func NewStaticGuardrails() *StaticGuardrails {
	return &StaticGuardrails{MaxInputRunes: DefaultMaxInputRunes, MaxFailures: DefaultMaxGuardrailFailures}
}

func (g *StaticGuardrails) Check(_ context.Context, sc *SecurityContext) (*GuardrailDetails, error) {
	// Length is measured on the NFC form so decomposed input cannot be
	// padded past the bound.
	runes := utf8.RuneCountInString(norm.NFC.String(sc.Input))

	checks := []GuardrailCheck{
		{
			Name:   CheckInputLength,
			Passed: runes <= g.MaxInputRunes,
			Detail: fmt.Sprintf("%d/%d runes", runes, g.MaxInputRunes),
		},
		{Name: CheckSystemStable, Passed: sc.SystemState.Stable},
		{Name: CheckBehaviorNormal, Passed: !sc.Behavior.Anomalous},
		{Name: CheckCreatorPresent, Passed: sc.Flag(MetaCreatorPresent)},
	}

	details := &GuardrailDetails{Checks: checks, MaxFailures: g.MaxFailures}
	var failed []string
	for _, c := range checks {
		if !c.Passed {
			details.Failed++
			failed = append(failed, c.Name)
		}
	}
	if details.Failed > g.MaxFailures {
		return details, fmt.Errorf("%d guardrail checks failed (max %d): %v", details.Failed, g.MaxFailures, failed)
	}
	return details, nil
}
