package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/google/cel-go/cel"
)

// OverrideRule is a named CEL expression over `metadata` and `request`.
type OverrideRule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
}

// DefaultOverrideRules fire on explicit boolean metadata flags.
var DefaultOverrideRules = []OverrideRule{
	{Name: MetaEmergencyOverride, Expression: `has(metadata.emergency_override) && metadata.emergency_override == true`},
	{Name: MetaCreatorOverride, Expression: `has(metadata.creator_override) && metadata.creator_override == true`},
	{Name: MetaMaintenanceMode, Expression: `has(metadata.maintenance_mode) && metadata.maintenance_mode == true`},
}

type compiledRule struct {
	name string
	prg  cel.Program
}

// CELOverrides evaluates override rules compiled once at construction.
type CELOverrides struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewCELOverrides compiles rules. Any compile error is returned; a rule set
// that cannot be compiled is a configuration error.
func NewCELOverrides(rules []OverrideRule) (*CELOverrides, error) {
	env, err := cel.NewEnv(
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	o := &CELOverrides{logger: slog.Default().With("component", "pipeline.overrides")}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("override %q: CEL compile error: %w", r.Name, issues.Err())
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("override %q: expression must be boolean, got %s", r.Name, t)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("override %q: CEL program error: %w", r.Name, err)
		}
		o.rules = append(o.rules, compiledRule{name: r.Name, prg: prg})
	}
	return o, nil
}

func (o *CELOverrides) Evaluate(ctx context.Context, sc *SecurityContext) (*OverrideDetails, error) {
	metadata := sc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	activation := map[string]any{
		"metadata": metadata,
		"request": map[string]any{
			"device_id":    sc.DeviceID,
			"user_id":      sc.UserID,
			"session_id":   sc.SessionID,
			"capability":   sc.Capability,
			"input_length": int64(utf8.RuneCountInString(sc.Input)),
		},
	}

	details := &OverrideDetails{Active: []string{}}
	for _, r := range o.rules {
		if err := ctx.Err(); err != nil {
			return details, err
		}
		out, _, err := r.prg.Eval(activation)
		if err != nil {
			o.logger.Debug("override rule evaluation failed", "rule", r.name, "error", err)
			details.Errors = append(details.Errors, fmt.Sprintf("%s: %v", r.name, err))
			continue
		}
		if active, ok := out.Value().(bool); ok && active {
			details.Active = append(details.Active, r.name)
		}
	}
	sort.Strings(details.Active)
	return details, nil
}
