package operator

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/conslink/consync/internal/model"
)

func hourPtr(h int) *int { return &h }

func TestWithinWorkingHoursOrdinaryDay(t *testing.T) {
	u := model.User{StartHour: hourPtr(9), EndHour: hourPtr(18)}
	assert.True(t, withinWorkingHours(u, model.ConsultationTechSupport, 12))
	assert.False(t, withinWorkingHours(u, model.ConsultationTechSupport, 8))
	assert.False(t, withinWorkingHours(u, model.ConsultationTechSupport, 19))
}

func TestWithinWorkingHoursWraparoundMidnight(t *testing.T) {
	u := model.User{StartHour: hourPtr(22), EndHour: hourPtr(6)}
	assert.True(t, withinWorkingHours(u, model.ConsultationTechSupport, 23))
	assert.True(t, withinWorkingHours(u, model.ConsultationTechSupport, 2))
	assert.False(t, withinWorkingHours(u, model.ConsultationTechSupport, 12))
}

func TestWithinWorkingHoursUnsetMeansAlwaysOnForNonAccounting(t *testing.T) {
	u := model.User{}
	assert.True(t, withinWorkingHours(u, model.ConsultationTechSupport, 3))
}

func TestKnowsLanguage(t *testing.T) {
	u := model.User{LangRU: true, LangUZ: false}
	assert.True(t, knowsLanguage(u, ""))
	assert.True(t, knowsLanguage(u, "RU"))
	assert.True(t, knowsLanguage(u, "ru"))
	assert.False(t, knowsLanguage(u, "uz"))
}

func TestContainsUUID(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.True(t, containsUUID([]uuid.UUID{a, b}, a))
	assert.False(t, containsUUID([]uuid.UUID{a}, b))
}

func TestSortCandidatesByPriorityAscending(t *testing.T) {
	c := []candidate{
		{priority: 0.8},
		{priority: 0.1},
		{priority: 0.5},
	}
	sortCandidatesByPriority(c)
	assert.Equal(t, []float64{0.1, 0.5, 0.8}, []float64{c[0].priority, c[1].priority, c[2].priority})
}
