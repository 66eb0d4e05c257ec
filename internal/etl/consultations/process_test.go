package consultations

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTimeEqualBothNil(t *testing.T) {
	assert.True(t, timeEqual(nil, nil))
}

func TestTimeEqualOneNil(t *testing.T) {
	now := time.Now()
	assert.False(t, timeEqual(&now, nil))
	assert.False(t, timeEqual(nil, &now))
}

func TestTimeEqualSameInstant(t *testing.T) {
	a := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	b := a
	assert.True(t, timeEqual(&a, &b))
}

func TestNullIfEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "x", *nullIfEmpty("x"))
}

func TestNullIfEmptyBytesTreatsJSONNullAsEmpty(t *testing.T) {
	assert.Nil(t, nullIfEmptyBytes([]byte("null")))
	assert.Nil(t, nullIfEmptyBytes(nil))
	assert.Equal(t, `[{"period":"x"}]`, *nullIfEmptyBytes([]byte(`[{"period":"x"}]`)))
}

func TestValOrEmpty(t *testing.T) {
	assert.Equal(t, "", valOrEmpty(uuid.NullUUID{}))
	id := uuid.New()
	assert.Equal(t, id.String(), valOrEmpty(uuid.NullUUID{UUID: id, Valid: true}))
}

func TestTrimLeft(t *testing.T) {
	assert.Equal(t, "Заявка была закрыта.", trimLeft("  Заявка была закрыта."))
	assert.Equal(t, "x", trimLeft("x"))
}

func TestItemCommentPrefersDescription(t *testing.T) {
	it := item{Description: "d", Question: "q"}
	assert.Equal(t, "d", it.comment())
}

func TestItemCommentFallsBackToQuestion(t *testing.T) {
	it := item{Question: "q"}
	assert.Equal(t, "q", it.comment())
}
