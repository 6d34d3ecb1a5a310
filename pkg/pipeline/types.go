// Package pipeline composes authentication, safety analysis, guardrails,
// override conditions and restraint doctrine into one ordered, fail-closed
// gate evaluated once per request.
package pipeline

import (
	"strings"
	"time"

	"github.com/Mindburn-Labs/sentinel/pkg/quadranlock"
	"github.com/Mindburn-Labs/sentinel/pkg/verdict"
)

// Stage names, in execution order.
const (
	StageQuadranLock = "quadran-lock"
	StageCSSR        = "cssr"
	StageGuardrails  = "safety-guardrails"
	StageOverrides   = "override-conditions"
	StageDoctrine    = "restraint-doctrine"
	StageComplete    = "complete"

	// StageAudit marks a decision that could not be recorded.
	StageAudit = "audit"
)

// Stages lists the evaluated stages in order.
var Stages = []string{StageQuadranLock, StageCSSR, StageGuardrails, StageOverrides, StageDoctrine}

// Metadata keys with pipeline meaning.
const (
	MetaCreatorPresent    = "creator_present"
	MetaEmergencyOverride = "emergency_override"
	MetaCreatorOverride   = "creator_override"
	MetaMaintenanceMode   = "maintenance_mode"
)

type Behavior struct {
	Descriptor string  `json:"descriptor,omitempty"`
	Anomalous  bool    `json:"anomalous"`
	Score      float64 `json:"score,omitempty"`
}

type SystemState struct {
	Descriptor string  `json:"descriptor,omitempty"`
	Stable     bool    `json:"stable"`
	Load       float64 `json:"load,omitempty"`
}

// SecurityContext is the read-only input of one evaluation.
type SecurityContext struct {
	DeviceID       string                    `json:"device_id"`
	UserID         string                    `json:"user_id"`
	SessionID      string                    `json:"session_id"`
	RequestContext string                    `json:"request_context,omitempty"`
	Input          string                    `json:"input"`
	Behavior       Behavior                  `json:"behavior"`
	SystemState    SystemState               `json:"system_state"`
	Timestamp      time.Time                 `json:"timestamp"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
	Credentials    []quadranlock.AuthPayload `json:"credentials,omitempty"`
	Capability     string                    `json:"capability,omitempty"`
}

// Flag reports whether metadata key is set to true. Missing keys and
// values of any other type read as false.
func (sc *SecurityContext) Flag(key string) bool {
	switch v := sc.Metadata[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}

type QuadranLockDetails struct {
	Authenticated int                    `json:"authenticated"`
	Required      int                    `json:"required"`
	Quadrants     []quadranlock.Quadrant `json:"quadrants"`
}

type CSSRDetails struct {
	Verdict          verdict.Verdict          `json:"verdict"`
	Findings         int                      `json:"findings"`
	Chain            []verdict.Finding        `json:"chain,omitempty"`
	Refusal          *verdict.RefusalTemplate `json:"refusal,omitempty"`
	Mitigation       *verdict.Mitigation      `json:"mitigation,omitempty"`
	CriticalSeverity bool                     `json:"critical_severity,omitempty"`
	AnalyzerErrors   []string                 `json:"analyzer_errors,omitempty"`
	Skipped          int                      `json:"skipped_analyzers,omitempty"`
}

type GuardrailCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type GuardrailDetails struct {
	Checks      []GuardrailCheck `json:"checks"`
	Failed      int              `json:"failed"`
	MaxFailures int              `json:"max_failures"`
}

type OverrideDetails struct {
	Active []string `json:"active"`
	Errors []string `json:"errors,omitempty"`
}

// IsActive reports whether the named override fired.
func (d *OverrideDetails) IsActive(name string) bool {
	if d == nil {
		return false
	}
	for _, a := range d.Active {
		if a == name {
			return true
		}
	}
	return false
}

type DoctrineDetails struct {
	Appropriate bool    `json:"appropriate"`
	Confidence  float64 `json:"confidence"`
	Restriction string  `json:"restriction,omitempty"`
	Fallback    bool    `json:"fallback,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

// Details holds one sub-record per stage that ran.
type Details struct {
	QuadranLock *QuadranLockDetails `json:"quadran_lock,omitempty"`
	CSSR        *CSSRDetails        `json:"cssr,omitempty"`
	Guardrails  *GuardrailDetails   `json:"safety_guardrails,omitempty"`
	Overrides   *OverrideDetails    `json:"override_conditions,omitempty"`
	Doctrine    *DoctrineDetails    `json:"restraint_doctrine,omitempty"`
}

// SecurityResult is the single output of an evaluation. Stage is the
// failing stage, or StageComplete when every stage passed.
type SecurityResult struct {
	Passed        bool      `json:"passed"`
	Stage         string    `json:"stage"`
	Details       Details   `json:"details"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
