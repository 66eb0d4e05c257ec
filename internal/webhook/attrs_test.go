package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyCustomAttributesParsesISODate(t *testing.T) {
	diff := applyCustomAttributes(map[string]any{
		"date_con": "2026-03-05T09:30:00",
	}, nil, nil, nil, nil, false)
	require.True(t, diff.StartDateChanged)
	assert.Equal(t, 2026, diff.StartDate.Year())
	assert.Equal(t, time.March, diff.StartDate.Month())
}

func TestApplyCustomAttributesSkipsUnparseableDate(t *testing.T) {
	diff := applyCustomAttributes(map[string]any{
		"date_con": "not-a-date",
	}, nil, nil, nil, nil, false)
	assert.False(t, diff.StartDateChanged)
}

func TestApplyCustomAttributesNoOpWhenUnchanged(t *testing.T) {
	existing := time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)
	diff := applyCustomAttributes(map[string]any{
		"date_con": "2026-03-05T09:30:00",
	}, &existing, nil, nil, nil, false)
	assert.False(t, diff.StartDateChanged)
}

func TestApplyCustomAttributesParsesRetimeHHMM(t *testing.T) {
	diff := applyCustomAttributes(map[string]any{"retime_con": "9:5"}, nil, nil, nil, nil, false)
	require.True(t, diff.RedateTimeChanged)
	assert.Equal(t, "09:05", *diff.RedateTime)
}

func TestApplyCustomAttributesParsesClosedWithoutConVariants(t *testing.T) {
	for _, raw := range []any{true, "true", "1", "yes", float64(1)} {
		diff := applyCustomAttributes(map[string]any{"closed_without_con": raw}, nil, nil, nil, nil, false)
		require.True(t, diff.DeniedChanged, "value %v should be truthy", raw)
		assert.True(t, *diff.Denied)
	}
}

func TestApplyCustomAttributesClosedWithoutConFalseVariants(t *testing.T) {
	diff := applyCustomAttributes(map[string]any{"closed_without_con": "false"}, nil, nil, nil, nil, true)
	require.True(t, diff.DeniedChanged)
	assert.False(t, *diff.Denied)
}
