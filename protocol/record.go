// Package protocol defines the protocol-neutral message model shared by the
// ASTM and HL7 decoders. A decoder turns validated frames into a Message: an
// ordered sequence of typed records that the field mapper projects onto the
// canonical domain model.
package protocol

import "github.com/harrisyn/LabAnalyzer/types"

// Kind classifies a record independent of the wire protocol that carried it
type Kind string

const (
	// KindHeader is ASTM H / HL7 MSH
	KindHeader Kind = "header"
	// KindPatient is ASTM P / HL7 PID
	KindPatient Kind = "patient"
	// KindOrder is ASTM O / HL7 OBR
	KindOrder Kind = "order"
	// KindResult is ASTM R / HL7 OBX
	KindResult Kind = "result"
	// KindComment is ASTM C / HL7 NTE
	KindComment Kind = "comment"
	// KindQuery is ASTM Q; recorded but never acted upon
	KindQuery Kind = "query"
	// KindTerminator is ASTM L
	KindTerminator Kind = "terminator"
	// KindOther covers segments the decoder tolerates but does not map
	KindOther Kind = "other"
)

// Delimiters holds the separator characters in effect for a message. ASTM
// reads them from the H record; HL7 from MSH-1/MSH-2.
type Delimiters struct {
	Field     byte
	Component byte
	Repeat    byte
	Escape    byte
}

// DefaultASTMDelimiters returns the E1394 defaults
func DefaultASTMDelimiters() Delimiters {
	return Delimiters{Field: '|', Component: '^', Repeat: '\\', Escape: '&'}
}

// DefaultHL7Delimiters returns the customary HL7 v2 separators
func DefaultHL7Delimiters() Delimiters {
	return Delimiters{Field: '|', Component: '^', Repeat: '~', Escape: '\\'}
}

// Record is one wire record (ASTM record or HL7 segment) split into fields
type Record struct {
	Kind   Kind
	Raw    string
	Fields []string
	Delims Delimiters
}

// Field returns the 0-based field at index i, or "" when absent. Decoders
// tolerate empty trailing fields, so out-of-range access is routine.
func (r Record) Field(i int) string {
	if i < 0 || i >= len(r.Fields) {
		return ""
	}
	return r.Fields[i]
}

// Component returns the 0-based component j of field i, or "".
func (r Record) Component(i, j int) string {
	f := r.Field(i)
	if f == "" {
		return ""
	}
	if j == 0 && r.Delims.Component == 0 {
		return f
	}
	start := 0
	idx := 0
	for pos := 0; pos <= len(f); pos++ {
		if pos == len(f) || f[pos] == r.Delims.Component {
			if idx == j {
				return f[start:pos]
			}
			idx++
			start = pos + 1
		}
	}
	return ""
}

// Message is an ordered record sequence produced by a decoder
type Message struct {
	Protocol  types.Protocol
	ControlID string // HL7 MSH-10; empty for ASTM
	Sender    string
	Records   []Record
	Complete  bool
}

// RecordsOf returns the records of a given kind in wire order
func (m *Message) RecordsOf(kind Kind) []Record {
	var out []Record
	for _, r := range m.Records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// First returns the first record of a kind, or a zero Record
func (m *Message) First(kind Kind) (Record, bool) {
	for _, r := range m.Records {
		if r.Kind == kind {
			return r, true
		}
	}
	return Record{}, false
}
