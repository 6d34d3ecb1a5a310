package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELOverrides_DefaultRules(t *testing.T) {
	o, err := NewCELOverrides(DefaultOverrideRules)
	require.NoError(t, err)

	d, err := o.Evaluate(context.Background(), &SecurityContext{})
	require.NoError(t, err)
	assert.Empty(t, d.Active)

	d, err = o.Evaluate(context.Background(), &SecurityContext{Metadata: map[string]any{
		MetaMaintenanceMode:   true,
		MetaEmergencyOverride: true,
		MetaCreatorOverride:   false,
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{MetaEmergencyOverride, MetaMaintenanceMode}, d.Active)
	assert.True(t, d.IsActive(MetaEmergencyOverride))
	assert.False(t, d.IsActive(MetaCreatorOverride))
}

func TestCELOverrides_NonBooleanFlagIsInactive(t *testing.T) {
	o, err := NewCELOverrides(DefaultOverrideRules)
	require.NoError(t, err)

	d, err := o.Evaluate(context.Background(), &SecurityContext{Metadata: map[string]any{
		MetaEmergencyOverride: "true",
	}})
	require.NoError(t, err)
	assert.Empty(t, d.Active)
}

func TestCELOverrides_RequestFields(t *testing.T) {
	o, err := NewCELOverrides([]OverrideRule{
		{Name: "trusted-device", Expression: `request.device_id == "lab-01" && request.input_length < 10`},
	})
	require.NoError(t, err)

	d, err := o.Evaluate(context.Background(), &SecurityContext{DeviceID: "lab-01", Input: "short"})
	require.NoError(t, err)
	assert.Equal(t, []string{"trusted-device"}, d.Active)

	d, err = o.Evaluate(context.Background(), &SecurityContext{DeviceID: "lab-02", Input: "short"})
	require.NoError(t, err)
	assert.Empty(t, d.Active)
}

func TestCELOverrides_EvalErrorIsRecorded(t *testing.T) {
	o, err := NewCELOverrides([]OverrideRule{
		{Name: "missing-key", Expression: `metadata.window == true`},
	})
	require.NoError(t, err)

	d, err := o.Evaluate(context.Background(), &SecurityContext{})
	require.NoError(t, err)
	assert.Empty(t, d.Active)
	require.Len(t, d.Errors, 1)
	assert.Contains(t, d.Errors[0], "missing-key")
}

func TestCELOverrides_CompileErrors(t *testing.T) {
	_, err := NewCELOverrides([]OverrideRule{{Name: "bad", Expression: `metadata.(`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad"`)

	_, err = NewCELOverrides([]OverrideRule{{Name: "int", Expression: `1 + 2`}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be boolean")
}

func TestOverrideDetails_IsActiveNilSafe(t *testing.T) {
	var d *OverrideDetails
	assert.False(t, d.IsActive(MetaCreatorOverride))
}
