package users

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHourValid(t *testing.T) {
	h := parseHour("2026-03-05T14:00:00")
	if assert.NotNil(t, h) {
		assert.Equal(t, 14, *h)
	}
}

func TestParseHourEmpty(t *testing.T) {
	assert.Nil(t, parseHour(""))
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "IT", nullIfEmpty("IT"))
}
