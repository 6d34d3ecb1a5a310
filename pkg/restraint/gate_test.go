package restraint

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sentinel/pkg/audit"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
}

func TestGate_HighArousalThenCriticalRiskBlocks(t *testing.T) {
	g := New(WithClock(newFixedClock()))
	ctx := context.Background()

	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 85, Source: "emotional-telemetry"}))
	require.NoError(t, g.ProcessRiskSignal(ctx, RiskSignal{Severity: SeverityCritical, Category: "exfiltration", Source: "system-monitor"}))

	caps := g.CapabilityCaps()
	for _, c := range []string{CapCodeExecution, CapExternalAPI} {
		require.Contains(t, caps, c)
		assert.Equal(t, Blocked, caps[c].Restriction)
	}
	st := g.RestraintState()
	assert.Equal(t, 85.0, st.ArousalLevel)
	assert.Equal(t, SeverityCritical, st.RiskLevel)
}

func TestGate_ArousalThresholds(t *testing.T) {
	cases := []struct {
		level float64
		want  Restriction
	}{
		{10, Unrestricted},
		{40, Monitored},
		{59.9, Monitored},
		{60, Limited},
		{80, Blocked},
		{250, Blocked},
	}
	for _, tc := range cases {
		g := New()
		require.NoError(t, g.ProcessArousalSignal(context.Background(), ArousalSignal{Level: tc.level}))
		assert.Equal(t, tc.want, g.RestrictionFor(CapFileWrite), "level %.1f", tc.level)
	}
}

func TestGate_RejectsNaNArousal(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 45}))

	err := g.ProcessArousalSignal(ctx, ArousalSignal{Level: math.NaN()})
	require.ErrorIs(t, err, ErrInvalidLevel)

	st := g.RestraintState()
	assert.Equal(t, 45.0, st.ArousalLevel)
	_, err = json.Marshal(st)
	require.NoError(t, err)
}

func TestGate_RiskMapping(t *testing.T) {
	cases := map[Severity]Restriction{
		SeverityLow:      Unrestricted,
		SeverityMedium:   Monitored,
		SeverityHigh:     Limited,
		SeverityCritical: Blocked,
	}
	for sev, want := range cases {
		g := New()
		require.NoError(t, g.ProcessRiskSignal(context.Background(), RiskSignal{Severity: sev}))
		assert.Equal(t, want, g.RestrictionFor(CapNetworkAccess), string(sev))
	}
}

func TestGate_TargetIsMaxOfArousalAndRisk(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.ProcessRiskSignal(ctx, RiskSignal{Severity: SeverityHigh}))
	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 45}))

	assert.Equal(t, Limited, g.RestrictionFor(CapCodeExecution))
}

func TestGate_SignalsNeverDowngrade(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 90}))
	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 5}))
	require.NoError(t, g.ProcessRiskSignal(ctx, RiskSignal{Severity: SeverityLow}))

	assert.Equal(t, Blocked, g.RestrictionFor(CapExternalAPI))
	assert.Equal(t, 5.0, g.RestraintState().ArousalLevel)
}

func TestGate_ApplyIsLastWriterWins(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.ProcessRiskSignal(ctx, RiskSignal{Severity: SeverityCritical}))

	require.NoError(t, g.ApplyCapabilityCap(ctx, CapCodeExecution, Unrestricted, nil, "creator lifted"))
	assert.Equal(t, Unrestricted, g.RestrictionFor(CapCodeExecution))
	assert.Equal(t, "creator lifted", g.CapabilityCaps()[CapCodeExecution].Reason)

	require.NoError(t, g.ApplyCapabilityCap(ctx, "camera", Limited, map[string]any{"fps": 1}, "manual"))
	assert.Equal(t, Limited, g.RestrictionFor("camera"))

	require.Error(t, g.ApplyCapabilityCap(ctx, "", Blocked, nil, ""))
	require.Error(t, g.ApplyCapabilityCap(ctx, "camera", Restriction(9), nil, ""))
}

func TestGate_ClearCapabilityCap(t *testing.T) {
	g := New()
	ctx := context.Background()
	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 85}))

	require.NoError(t, g.ClearCapabilityCap(ctx, CapFileWrite))
	assert.NotContains(t, g.CapabilityCaps(), CapFileWrite)
	assert.Equal(t, Unrestricted, g.RestrictionFor(CapFileWrite))
	require.NoError(t, g.ClearCapabilityCap(ctx, "never-capped"))
}

func TestGate_SnapshotsAreDefensiveCopies(t *testing.T) {
	g := New(WithClock(newFixedClock()))
	ctx := context.Background()
	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 85}))

	first := g.CapabilityCaps()
	second := g.CapabilityCaps()
	assert.Equal(t, first, second)

	c := first[CapCodeExecution]
	c.Restriction = Unrestricted
	c.Parameters["arousal_level"] = 0.0
	first[CapCodeExecution] = c
	delete(first, CapExternalAPI)

	assert.Equal(t, second, g.CapabilityCaps())

	st := g.RestraintState()
	st.Caps[CapFileWrite] = CapabilityCap{}
	assert.Equal(t, Blocked, g.RestraintState().Caps[CapFileWrite].Restriction)
}

func TestGate_HistoryIsBounded(t *testing.T) {
	g := New(WithHistorySize(3))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: float64(i)}))
		require.NoError(t, g.ProcessRiskSignal(ctx, RiskSignal{Severity: SeverityLow, Category: "c"}))
	}

	hist := g.ArousalHistory()
	require.Len(t, hist, 3)
	assert.Equal(t, 9.0, hist[2].Level)
	assert.Equal(t, 7.0, hist[0].Level)
	assert.Len(t, g.RiskHistory(), 3)
}

func TestGate_RejectsUnknownSeverity(t *testing.T) {
	g := New()
	err := g.ProcessRiskSignal(context.Background(), RiskSignal{Severity: "SEVERE"})
	require.ErrorIs(t, err, ErrUnknownSeverity)
	assert.Empty(t, g.RiskHistory())
}

func TestGate_AuditsTransitions(t *testing.T) {
	log := audit.NewLog(nil)
	g := New(WithAuditSink(log), WithSensitiveCapabilities(CapCodeExecution))
	ctx := context.Background()

	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 65}))
	require.NoError(t, g.ProcessArousalSignal(ctx, ArousalSignal{Level: 66}))
	require.NoError(t, g.ProcessRiskSignal(ctx, RiskSignal{Severity: SeverityCritical}))
	require.NoError(t, g.ClearCapabilityCap(ctx, CapCodeExecution))

	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, EventCapApplied, entries[0].Event)
	assert.Equal(t, "LIMITED", entries[0].Metadata["to"])
	assert.Equal(t, "BLOCKED", entries[1].Metadata["to"])
	assert.Equal(t, "LIMITED", entries[1].Metadata["from"])
	assert.Equal(t, EventCapCleared, entries[2].Event)
	assert.Equal(t, CapCodeExecution, entries[2].Subject)
}

func TestGate_AuditFailureKeepsCap(t *testing.T) {
	sink := audit.SinkFunc(func(context.Context, audit.Entry) error { return errors.New("sink down") })
	g := New(WithAuditSink(sink))

	err := g.ProcessRiskSignal(context.Background(), RiskSignal{Severity: SeverityCritical})
	require.Error(t, err)
	assert.Equal(t, Blocked, g.RestrictionFor(CapCodeExecution))
}

func TestGate_CustomThresholds(t *testing.T) {
	g := New(WithThresholds(Thresholds{Monitored: 10, Limited: 20, Blocked: 30}))
	require.NoError(t, g.ProcessArousalSignal(context.Background(), ArousalSignal{Level: 31}))
	assert.Equal(t, Blocked, g.RestrictionFor(CapCodeExecution))
}

func TestRestriction_TextRoundTrip(t *testing.T) {
	data, err := json.Marshal(CapabilityCap{Capability: "x", Restriction: Limited})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"restriction":"LIMITED"`)

	var back CapabilityCap
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Limited, back.Restriction)

	_, err = ParseRestriction("severe")
	assert.Error(t, err)
	assert.True(t, Blocked > Limited && Limited > Monitored && Monitored > Unrestricted)
}
