// Package types holds the shared domain model: analyzer and protocol
// identifiers, listener specifications, and the canonical record shapes the
// field mapper emits and the store persists.
package types

import "fmt"

// Protocol identifies a wire protocol spoken by an analyzer
type Protocol string

const (
	// ProtocolASTM is ASTM E1381 framing with E1394 records
	ProtocolASTM Protocol = "ASTM"
	// ProtocolHL7 is HL7 v2.x over MLLP
	ProtocolHL7 Protocol = "HL7"
)

// Valid reports whether the protocol is one the receiver implements
func (p Protocol) Valid() bool {
	return p == ProtocolASTM || p == ProtocolHL7
}

// AnalyzerType identifies a supported analyzer model
type AnalyzerType string

// Supported analyzers and their conventional names
const (
	AnalyzerSysmexXNL        AnalyzerType = "SYSMEX XN-L"
	AnalyzerMindrayBS430     AnalyzerType = "Mindray BS-430"
	AnalyzerRocheCobas       AnalyzerType = "Roche Cobas"
	AnalyzerSiemensDimension AnalyzerType = "Siemens Dimension"
	AnalyzerVitros           AnalyzerType = "VITROS"
	AnalyzerBeckmanAU        AnalyzerType = "Beckman AU"
)

// analyzerProtocols maps each analyzer to its default protocol
var analyzerProtocols = map[AnalyzerType]Protocol{
	AnalyzerSysmexXNL:        ProtocolASTM,
	AnalyzerMindrayBS430:     ProtocolHL7,
	AnalyzerRocheCobas:       ProtocolASTM,
	AnalyzerSiemensDimension: ProtocolASTM,
	AnalyzerVitros:           ProtocolASTM,
	AnalyzerBeckmanAU:        ProtocolASTM,
}

// DefaultProtocol returns the protocol an analyzer speaks by default
func (a AnalyzerType) DefaultProtocol() (Protocol, error) {
	p, ok := analyzerProtocols[a]
	if !ok {
		return "", fmt.Errorf("unknown analyzer type %q", string(a))
	}
	return p, nil
}

// Valid reports whether the analyzer type is supported
func (a AnalyzerType) Valid() bool {
	_, ok := analyzerProtocols[a]
	return ok
}

// SupportedAnalyzers lists every analyzer the receiver accepts
func SupportedAnalyzers() []AnalyzerType {
	out := make([]AnalyzerType, 0, len(analyzerProtocols))
	for a := range analyzerProtocols {
		out = append(out, a)
	}
	return out
}

// ListenerSpec binds a TCP port to an analyzer and protocol
type ListenerSpec struct {
	Port         int          `json:"port"          yaml:"port"`
	AnalyzerType AnalyzerType `json:"analyzer_type" yaml:"analyzer_type"`
	Protocol     Protocol     `json:"protocol"      yaml:"protocol"`
	FieldMapID   string       `json:"field_map_id,omitempty" yaml:"field_map_id,omitempty"`
}

// Validate checks a single listener spec
func (s ListenerSpec) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("listener port %d out of range 1-65535", s.Port)
	}
	if !s.AnalyzerType.Valid() {
		return fmt.Errorf("unsupported analyzer type %q", string(s.AnalyzerType))
	}
	if !s.Protocol.Valid() {
		return fmt.Errorf("unsupported protocol %q for port %d", string(s.Protocol), s.Port)
	}
	return nil
}

// String renders the spec for logs
func (s ListenerSpec) String() string {
	return fmt.Sprintf("%d/%s/%s", s.Port, s.AnalyzerType, s.Protocol)
}
