package ratings

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCleanIntFloat(t *testing.T) {
	v, ok := cleanInt(float64(4))
	assert.True(t, ok)
	assert.Equal(t, 4, v)
}

func TestCleanIntString(t *testing.T) {
	v, ok := cleanInt("5")
	assert.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestCleanIntNil(t *testing.T) {
	_, ok := cleanInt(nil)
	assert.False(t, ok)
}

func TestCleanIntBadString(t *testing.T) {
	_, ok := cleanInt("not-a-number")
	assert.False(t, ok)
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "x", nullIfEmpty("x"))
}

func TestNullableUUID(t *testing.T) {
	assert.Nil(t, nullableUUID(uuid.NullUUID{}))
	id := uuid.New()
	assert.Equal(t, id, nullableUUID(uuid.NullUUID{UUID: id, Valid: true}))
}
