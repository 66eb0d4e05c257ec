package bulkconsultations

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestChangeDateOfPrefersCreateDate(t *testing.T) {
	create := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, create, changeDateOf(&create, &start))
}

func TestChangeDateOfFallsBackToStartDate(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, start, changeDateOf(nil, &start))
}

func TestChangeDateOfFallsBackToNow(t *testing.T) {
	assert.False(t, changeDateOf(nil, nil).IsZero())
}

func TestNullableUUIDInvalid(t *testing.T) {
	assert.Nil(t, nullableUUID(uuid.NullUUID{}))
}

func TestNullableUUIDValid(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id, nullableUUID(uuid.NullUUID{UUID: id, Valid: true}))
}

func TestTimeEqual(t *testing.T) {
	a := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := a
	assert.True(t, timeEqual(&a, &b))
	assert.True(t, timeEqual(nil, nil))
	assert.False(t, timeEqual(&a, nil))
}
