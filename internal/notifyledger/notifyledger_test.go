package notifyledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStableAcrossNilVsEmptyString(t *testing.T) {
	h1, err := Hash("manager_reassignment", "12345", map[string]any{
		"old_manager_key": nil,
		"new_manager_key": "abc",
		"reason":          nil,
	})
	require.NoError(t, err)

	h2, err := Hash("manager_reassignment", "12345", map[string]any{
		"old_manager_key": "",
		"new_manager_key": "abc",
		"reason":          "",
	})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHashDiffersOnEntityOrType(t *testing.T) {
	h1, _ := Hash("rating", "100", nil)
	h2, _ := Hash("rating", "200", nil)
	h3, _ := Hash("redate", "100", nil)
	assert.NotEqual(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestHashExcludesFieldsNotPassed(t *testing.T) {
	// Volatile fields (e.g. wait-time estimate) must be excluded by the
	// caller before hashing -- verify that omitting a key changes nothing
	// relative to two calls that both omit it consistently.
	h1, _ := Hash("queue_update", "42", map[string]any{"manager_key": "m1", "queue_position": 3})
	h2, _ := Hash("queue_update", "42", map[string]any{"manager_key": "m1", "queue_position": 3})
	assert.Equal(t, h1, h2)
}
