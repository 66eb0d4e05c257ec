package odata

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeODataComponentPreservesPunctuation(t *testing.T) {
	in := "ChangeDate ge datetime'2025-01-01T00:00:00' and (Field eq 'x')"
	got := EncodeODataComponent(in)
	assert.Contains(t, got, "'")
	assert.Contains(t, got, "(")
	assert.Contains(t, got, ")")
	assert.Contains(t, got, "%20")
	assert.NotContains(t, got, "%27")
	assert.NotContains(t, got, "%28")
}

func TestBuildURLIncludesAllParams(t *testing.T) {
	q := Query{Entity: "ConsultationDoc", Filter: "A eq 'b'", OrderBy: "ChangeDate asc", Top: 1000, Skip: 50}
	got := BuildURL("https://erp.example.com/odata", q)
	assert.Contains(t, got, "/ConsultationDoc?$format=json")
	assert.Contains(t, got, "$filter=")
	assert.Contains(t, got, "$orderby=")
	assert.Contains(t, got, "$top=1000")
	assert.Contains(t, got, "$skip=50")
}

func TestGUIDEqualityOrNeverUsesGtLt(t *testing.T) {
	k1 := uuid.New()
	k2 := uuid.New()
	got := GUIDEqualityOr("Ref_Key", []uuid.UUID{k1, k2})
	assert.NotContains(t, got, " gt ")
	assert.NotContains(t, got, " lt ")
	assert.Contains(t, got, "Ref_Key eq guid'"+k1.String()+"'")
	assert.Contains(t, got, " or ")
}

func TestDateTimeFilterValueFormat(t *testing.T) {
	tm := time.Date(2025, 3, 2, 10, 15, 0, 0, time.UTC)
	require.Equal(t, "datetime'2025-03-02T10:15:00'", DateTimeFilterValue(tm))
}
