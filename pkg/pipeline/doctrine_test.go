package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/restraint"
	"github.com/Mindburn-Labs/sentinel/pkg/verdict"
)

type staticRestrictions map[string]restraint.Restriction

func (s staticRestrictions) RestrictionFor(c string) restraint.Restriction { return s[c] }

func TestDoctrine_ConfidenceFollowsRestriction(t *testing.T) {
	d := NewRestraintDoctrine(staticRestrictions{
		"monitored": restraint.Monitored,
		"limited":   restraint.Limited,
	})
	cases := map[string]float64{"": 0.95, "free": 0.95, "monitored": 0.85, "limited": 0.7}
	for capability, want := range cases {
		out, err := d.Assess(context.Background(), &SecurityContext{Capability: capability}, Details{})
		require.NoError(t, err)
		assert.True(t, out.Appropriate)
		assert.Equal(t, want, out.Confidence, capability)
	}
}

func TestDoctrine_BlockedCapability(t *testing.T) {
	d := NewRestraintDoctrine(staticRestrictions{restraint.CapFileWrite: restraint.Blocked})
	sc := &SecurityContext{Capability: restraint.CapFileWrite, Metadata: map[string]any{}}

	out, err := d.Assess(context.Background(), sc, Details{})
	require.NoError(t, err)
	assert.False(t, out.Appropriate)
	assert.Equal(t, 0.95, out.Confidence)
	assert.Equal(t, "BLOCKED", out.Restriction)

	overridden := Details{Overrides: &OverrideDetails{Active: []string{MetaCreatorOverride}}}
	out, err = d.Assess(context.Background(), sc, overridden)
	require.NoError(t, err)
	assert.False(t, out.Appropriate, "override alone is not enough without the creator")

	sc.Metadata[MetaCreatorPresent] = true
	out, err = d.Assess(context.Background(), sc, overridden)
	require.NoError(t, err)
	assert.True(t, out.Appropriate)
	assert.Equal(t, 0.5, out.Confidence)
}

func TestDoctrine_AskCreatorRequiresCreator(t *testing.T) {
	d := NewRestraintDoctrine(staticRestrictions{})
	prior := Details{CSSR: &CSSRDetails{Verdict: verdict.AskCreator}}

	out, err := d.Assess(context.Background(), &SecurityContext{}, prior)
	require.NoError(t, err)
	assert.False(t, out.Appropriate)
	assert.Equal(t, 0.9, out.Confidence)

	out, err = d.Assess(context.Background(), &SecurityContext{Metadata: map[string]any{MetaCreatorPresent: true}}, prior)
	require.NoError(t, err)
	assert.True(t, out.Appropriate)
}

func TestDoctrine_NoGate(t *testing.T) {
	_, err := NewRestraintDoctrine(nil).Assess(context.Background(), &SecurityContext{}, Details{})
	assert.ErrorIs(t, err, errNoGate)
}
