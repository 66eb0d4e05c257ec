package calls

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNullableUUID(t *testing.T) {
	assert.Nil(t, nullableUUID(uuid.NullUUID{}))
	id := uuid.New()
	assert.Equal(t, id, nullableUUID(uuid.NullUUID{UUID: id, Valid: true}))
}
