package mapper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conslink/consync/internal/model"
)

func TestMapStatusDeniedOverridesEverything(t *testing.T) {
	end := time.Now()
	assert.Equal(t, model.StatusCancelled, MapStatus("КонсультацияИТС", &end, true))
}

func TestMapStatusClosedWhenEndDateSet(t *testing.T) {
	end := time.Now()
	assert.Equal(t, model.StatusClosed, MapStatus("Другое", &end, false))
}

func TestMapStatusAccountingKind(t *testing.T) {
	assert.Equal(t, model.StatusOpen, MapStatus("КонсультацияИТС", nil, false))
}

func TestMapStatusQueueKind(t *testing.T) {
	assert.Equal(t, model.StatusPending, MapStatus("ВОчередьНаКонсультацию", nil, false))
}

func TestMapStatusOtherKind(t *testing.T) {
	assert.Equal(t, model.StatusOther, MapStatus("Другое", nil, false))
}

func TestMapStatusUnknownKindDefaultsToNew(t *testing.T) {
	assert.Equal(t, model.StatusNew, MapStatus("НечтоНеизвестное", nil, false))
}

func TestMapStatusTrimsWhitespace(t *testing.T) {
	assert.Equal(t, model.StatusOpen, MapStatus("  КонсультацияИТС  ", nil, false))
}

func TestCleanUUIDEmpty(t *testing.T) {
	assert.False(t, CleanUUID("").Valid)
}

func TestCleanUUIDAllZero(t *testing.T) {
	assert.False(t, CleanUUID("00000000-0000-0000-0000-000000000000").Valid)
}

func TestCleanUUIDMalformed(t *testing.T) {
	assert.False(t, CleanUUID("not-a-uuid").Valid)
}

func TestCleanUUIDValid(t *testing.T) {
	got := CleanUUID("3fa85f64-5717-4562-b3fc-2c963f66afa6")
	assert.True(t, got.Valid)
	assert.Equal(t, "3fa85f64-5717-4562-b3fc-2c963f66afa6", got.UUID.String())
}

func TestCleanDatetimeEmpty(t *testing.T) {
	assert.Nil(t, CleanDatetime(""))
}

func TestCleanDatetimeEpochZero(t *testing.T) {
	assert.Nil(t, CleanDatetime("0001-01-01T00:00:00"))
}

func TestCleanDatetimeNaiveAssumedUTC(t *testing.T) {
	got := CleanDatetime("2026-03-05T14:30:00")
	if assert.NotNil(t, got) {
		assert.Equal(t, time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC), *got)
	}
}

func TestCleanDatetimeZSuffix(t *testing.T) {
	got := CleanDatetime("2026-03-05T14:30:00Z")
	if assert.NotNil(t, got) {
		assert.Equal(t, time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC), *got)
	}
}

func TestCleanDatetimeWithOffset(t *testing.T) {
	got := CleanDatetime("2026-03-05T14:30:00+05:00")
	if assert.NotNil(t, got) {
		assert.Equal(t, time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC), *got)
	}
}

func TestCleanDatetimeGarbage(t *testing.T) {
	assert.Nil(t, CleanDatetime("not-a-date"))
}

func TestIsValidChatIDNumeric(t *testing.T) {
	assert.True(t, IsValidChatID("123456"))
}

func TestIsValidChatIDTempPrefixRejected(t *testing.T) {
	assert.False(t, IsValidChatID("cl_abc123"))
}

func TestIsValidChatIDAllTempPrefixRejected(t *testing.T) {
	assert.False(t, IsValidChatID("cl_all_abc123"))
}

func TestIsValidChatIDTooLongRejected(t *testing.T) {
	assert.False(t, IsValidChatID("12345678901"))
}
