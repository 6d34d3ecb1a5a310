// Package restraint converts continuous arousal and risk telemetry into
// discrete per-capability restrictions.
package restraint

import (
	"fmt"
	"strings"
	"time"
)

// Restriction is the per-capability state. Values are ordered from least
// to most restrictive.
type Restriction int

const (
	Unrestricted Restriction = iota
	Monitored
	Limited
	Blocked
)

var restrictionNames = [...]string{"UNRESTRICTED", "MONITORED", "LIMITED", "BLOCKED"}

func (r Restriction) String() string {
	if r < Unrestricted || r > Blocked {
		return fmt.Sprintf("Restriction(%d)", int(r))
	}
	return restrictionNames[r]
}

func (r Restriction) MarshalText() ([]byte, error) {
	if r < Unrestricted || r > Blocked {
		return nil, fmt.Errorf("restraint: invalid restriction %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Restriction) UnmarshalText(b []byte) error {
	parsed, err := ParseRestriction(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRestriction accepts the upper- or lower-case name.
func ParseRestriction(s string) (Restriction, error) {
	for i, name := range restrictionNames {
		if strings.EqualFold(s, name) {
			return Restriction(i), nil
		}
	}
	return Unrestricted, fmt.Errorf("restraint: unknown restriction %q", s)
}

// Severity is the class of a risk signal.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// restriction maps a severity to the restriction it demands.
func (s Severity) restriction() (Restriction, bool) {
	switch s {
	case SeverityLow:
		return Unrestricted, true
	case SeverityMedium:
		return Monitored, true
	case SeverityHigh:
		return Limited, true
	case SeverityCritical:
		return Blocked, true
	}
	return Unrestricted, false
}

// Capabilities that the restraint step caps automatically.
const (
	CapCodeExecution = "code_execution"
	CapExternalAPI   = "external_api"
	CapFileWrite     = "file_write"
	CapNetworkAccess = "network_access"
)

var DefaultSensitiveCapabilities = []string{CapCodeExecution, CapExternalAPI, CapFileWrite, CapNetworkAccess}

type ArousalSignal struct {
	Level     float64   `json:"level"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

type RiskSignal struct {
	Severity  Severity  `json:"severity"`
	Category  string    `json:"category"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// CapabilityCap is a restriction applied to one capability.
type CapabilityCap struct {
	Capability  string         `json:"capability"`
	Restriction Restriction    `json:"restriction"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	AppliedAt   time.Time      `json:"applied_at"`
	Reason      string         `json:"reason"`
}

func (c CapabilityCap) clone() CapabilityCap {
	if c.Parameters != nil {
		p := make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			p[k] = v
		}
		c.Parameters = p
	}
	return c
}

// State is a snapshot of the gate.
type State struct {
	ArousalLevel float64                  `json:"arousal_level"`
	RiskLevel    Severity                 `json:"risk_level"`
	Caps         map[string]CapabilityCap `json:"caps"`
	LastUpdate   time.Time                `json:"last_update"`
}

// Thresholds are the arousal levels at which each restriction applies.
type Thresholds struct {
	Monitored float64 `json:"monitored" yaml:"monitored"`
	Limited   float64 `json:"limited" yaml:"limited"`
	Blocked   float64 `json:"blocked" yaml:"blocked"`
}

var DefaultThresholds = Thresholds{Monitored: 40, Limited: 60, Blocked: 80}

func (t Thresholds) restriction(level float64) Restriction {
	switch {
	case level >= t.Blocked:
		return Blocked
	case level >= t.Limited:
		return Limited
	case level >= t.Monitored:
		return Monitored
	}
	return Unrestricted
}
