package queueclosing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSameDayTrue(t *testing.T) {
	a := time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC)
	b := time.Date(2026, 3, 5, 23, 0, 0, 0, time.UTC)
	assert.True(t, sameDay(a, b))
}

func TestSameDayFalse(t *testing.T) {
	a := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	b := time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC)
	assert.False(t, sameDay(a, b))
}

func TestStartOfDay(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 32, 10, 0, time.UTC)
	got := startOfDay(ts)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), got)
}
