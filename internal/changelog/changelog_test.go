package changelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarshalOrNilNilValue(t *testing.T) {
	s, err := marshalOrNil(nil)
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestMarshalOrNilString(t *testing.T) {
	s, err := marshalOrNil("open")
	assert.NoError(t, err)
	if assert.NotNil(t, s) {
		assert.Equal(t, `"open"`, *s)
	}
}

func TestMarshalOrNilStruct(t *testing.T) {
	type payload struct {
		A int `json:"a"`
	}
	s, err := marshalOrNil(payload{A: 5})
	assert.NoError(t, err)
	if assert.NotNil(t, s) {
		assert.JSONEq(t, `{"a":5}`, *s)
	}
}

func TestOriginConstants(t *testing.T) {
	assert.Equal(t, Origin("CHAT"), OriginCHAT)
	assert.Equal(t, Origin("ERP"), OriginERP)
	assert.Equal(t, Origin("API"), OriginAPI)
	assert.Equal(t, Origin("ETL"), OriginETL)
}
