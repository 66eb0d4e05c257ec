package reschedules

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestIsoOrNil(t *testing.T) {
	assert.Nil(t, isoOrNil(nil))
	ts := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-05T09:00:00Z", isoOrNil(&ts))
}

func TestNullableUUID(t *testing.T) {
	assert.Nil(t, nullableUUID(uuid.NullUUID{}))
	id := uuid.New()
	assert.Equal(t, id, nullableUUID(uuid.NullUUID{UUID: id, Valid: true}))
}
