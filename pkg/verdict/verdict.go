// Package verdict reduces independent safety findings to a single final
// verdict under strict precedence.
package verdict

import (
	"errors"
	"fmt"
	"time"
)

// Verdict is the outcome an analyzer assigns to a request.
type Verdict string

const (
	Allow      Verdict = "ALLOW"
	AskCreator Verdict = "ASK_CREATOR"
	Deny       Verdict = "DENY"
	Panic      Verdict = "PANIC"
)

// SeverityCritical is the raw analyzer classification that callers treat
// as blocking regardless of the verdict.
const SeverityCritical = "critical"

var ErrUnknownVerdict = errors.New("verdict: unknown verdict kind")

// Precedence returns the rank of v. Unknown kinds rank 0.
func (v Verdict) Precedence() int {
	switch v {
	case Panic:
		return 4
	case Deny:
		return 3
	case AskCreator:
		return 2
	case Allow:
		return 1
	}
	return 0
}

// Blocking reports whether v stops a request outright.
func (v Verdict) Blocking() bool {
	return v == Panic || v == Deny
}

func (v Verdict) Valid() bool { return v.Precedence() > 0 }

// Finding is one analyzer's judgement.
type Finding struct {
	ID         string    `json:"id"`
	Verdict    Verdict   `json:"verdict"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
	Severity   string    `json:"severity,omitempty"`
}

// RefusalTemplate is the user-facing refusal attached to a blocking verdict.
type RefusalTemplate struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Mitigation carries remediation steps and the findings that caused them.
type Mitigation struct {
	Suggestions []string `json:"suggestions"`
	FindingIDs  []string `json:"finding_ids"`
	Sources     []string `json:"sources"`
}

// Consolidated is the result of consolidation. PrecedenceChain holds every
// finding sharing the winning verdict, in ingestion order.
type Consolidated struct {
	FinalVerdict    Verdict          `json:"final_verdict"`
	PrecedenceChain []Finding        `json:"precedence_chain"`
	RefusalTemplate *RefusalTemplate `json:"refusal_template,omitempty"`
	Mitigation      *Mitigation      `json:"mitigation,omitempty"`
	ConsolidatedAt  time.Time        `json:"consolidated_at"`
}

// Blocking reports whether the consolidated outcome stops the request.
func (c Consolidated) Blocking() bool { return c.FinalVerdict.Blocking() }

func validate(f Finding) error {
	if !f.Verdict.Valid() {
		return fmt.Errorf("%w: %q (finding %s)", ErrUnknownVerdict, f.Verdict, f.ID)
	}
	return nil
}
