package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrisyn/LabAnalyzer/types"
)

func newRecord(raw string) Record {
	return Record{
		Kind:   KindPatient,
		Raw:    raw,
		Fields: strings.Split(raw, "|"),
		Delims: DefaultASTMDelimiters(),
	}
}

func TestRecordField(t *testing.T) {
	r := newRecord("P|1|322288||X")
	assert.Equal(t, "P", r.Field(0))
	assert.Equal(t, "322288", r.Field(2))
	assert.Equal(t, "", r.Field(3))
	assert.Equal(t, "", r.Field(42))
	assert.Equal(t, "", r.Field(-1))
}

func TestRecordComponent(t *testing.T) {
	r := newRecord("P|1|322288|||DOE^JANE^MARIE")
	assert.Equal(t, "DOE", r.Component(5, 0))
	assert.Equal(t, "JANE", r.Component(5, 1))
	assert.Equal(t, "MARIE", r.Component(5, 2))
	assert.Equal(t, "", r.Component(5, 3))
	assert.Equal(t, "", r.Component(9, 0))

	// Whole field when there is no component delimiter present
	assert.Equal(t, "322288", r.Component(2, 0))
}

func TestMessageRecordsOf(t *testing.T) {
	msg := &Message{
		Protocol: types.ProtocolASTM,
		Records: []Record{
			{Kind: KindHeader},
			{Kind: KindPatient},
			{Kind: KindResult, Raw: "r1"},
			{Kind: KindResult, Raw: "r2"},
			{Kind: KindTerminator},
		},
	}

	results := msg.RecordsOf(KindResult)
	require.Len(t, results, 2)
	assert.Equal(t, "r1", results[0].Raw)
	assert.Equal(t, "r2", results[1].Raw)

	_, ok := msg.First(KindOrder)
	assert.False(t, ok)

	h, ok := msg.First(KindHeader)
	assert.True(t, ok)
	assert.Equal(t, KindHeader, h.Kind)
}
