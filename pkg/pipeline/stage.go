package pipeline

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/sentinel/pkg/quadranlock"
)

// StageError aborts the pipeline at Stage. Reason becomes the result's
// BlockedReason.
type StageError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

// Authenticator authenticates one quadrant credential.
type Authenticator interface {
	AuthenticateQuadrant(ctx context.Context, p quadranlock.AuthPayload) (bool, error)
}

// SafetyRail runs safety analysis. A non-nil error blocks the request.
type SafetyRail interface {
	Evaluate(ctx context.Context, sc *SecurityContext) (*CSSRDetails, error)
}

// Guardrails runs the static checks. A non-nil error blocks the request.
type Guardrails interface {
	Check(ctx context.Context, sc *SecurityContext) (*GuardrailDetails, error)
}

// OverrideEvaluator reports active override conditions. It never blocks;
// a returned error is recorded and no override is treated as active.
type OverrideEvaluator interface {
	Evaluate(ctx context.Context, sc *SecurityContext) (*OverrideDetails, error)
}

// Doctrine makes the final situational check. An inappropriate result
// blocks; an error degrades to a low-confidence pass.
type Doctrine interface {
	Assess(ctx context.Context, sc *SecurityContext, prior Details) (*DoctrineDetails, error)
}
