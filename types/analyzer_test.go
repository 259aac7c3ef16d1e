package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProtocol(t *testing.T) {
	p, err := AnalyzerSysmexXNL.DefaultProtocol()
	require.NoError(t, err)
	assert.Equal(t, ProtocolASTM, p)

	p, err = AnalyzerMindrayBS430.DefaultProtocol()
	require.NoError(t, err)
	assert.Equal(t, ProtocolHL7, p)

	_, err = AnalyzerType("HumaCount 5D").DefaultProtocol()
	assert.Error(t, err)
}

func TestListenerSpecValidate(t *testing.T) {
	valid := ListenerSpec{Port: 5000, AnalyzerType: AnalyzerSysmexXNL, Protocol: ProtocolASTM}
	assert.NoError(t, valid.Validate())

	tt := []struct {
		name string
		spec ListenerSpec
	}{
		{"port zero", ListenerSpec{Port: 0, AnalyzerType: AnalyzerSysmexXNL, Protocol: ProtocolASTM}},
		{"port too high", ListenerSpec{Port: 70000, AnalyzerType: AnalyzerSysmexXNL, Protocol: ProtocolASTM}},
		{"unknown analyzer", ListenerSpec{Port: 5000, AnalyzerType: "Abbott ARCHITECT", Protocol: ProtocolASTM}},
		{"unknown protocol", ListenerSpec{Port: 5000, AnalyzerType: AnalyzerSysmexXNL, Protocol: "LIS"}},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.spec.Validate())
		})
	}
}

func TestSupportedAnalyzers(t *testing.T) {
	analyzers := SupportedAnalyzers()
	assert.Len(t, analyzers, 6)
	for _, a := range analyzers {
		assert.True(t, a.Valid())
	}
}
