package checkpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conslink/consync/internal/model"
)

func TestClampToNowNeverAdvancesPastWallClock(t *testing.T) {
	future := time.Now().UTC().Add(48 * time.Hour)
	got := ClampToNow(future)
	assert.WithinDuration(t, time.Now().UTC(), got, 2*time.Second)
}

func TestClampToNowLeavesPastTimeUnchanged(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	got := ClampToNow(past)
	assert.Equal(t, past, got)
}

func TestSinceUsesInitialFromDateOnFirstRun(t *testing.T) {
	initial := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Since(model.Checkpoint{}, 7*24*time.Hour, initial)
	assert.Equal(t, initial, got)
}

func TestSinceSubtractsBuffer(t *testing.T) {
	last := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cp := model.Checkpoint{LastSyncedAt: &last}
	got := Since(cp, 7*24*time.Hour, time.Time{})
	assert.Equal(t, last.Add(-7*24*time.Hour), got)
}

func TestKeyPrecedesStableStringCompare(t *testing.T) {
	assert.True(t, KeyPrecedes("u0", "u3"))
	assert.False(t, KeyPrecedes("u5", "u3"))
	assert.False(t, KeyPrecedes("anything", ""))
}
