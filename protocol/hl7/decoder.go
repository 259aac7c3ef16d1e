package hl7

import (
	"strings"

	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/protocol"
	"github.com/harrisyn/LabAnalyzer/types"
)

// segmentKinds maps HL7 segment identifiers to neutral kinds
var segmentKinds = map[string]protocol.Kind{
	"MSH": protocol.KindHeader,
	"PID": protocol.KindPatient,
	"OBR": protocol.KindOrder,
	"OBX": protocol.KindResult,
	"NTE": protocol.KindComment,
}

// Decode parses one complete HL7 message (the content of an MLLP envelope)
// into a protocol Message. The field separator comes from the byte after
// "MSH"; the component separator from the first encoding character.
func Decode(raw []byte) (*protocol.Message, error) {
	text := strings.TrimRight(string(raw), "\r\n")
	if !strings.HasPrefix(text, "MSH") || len(text) < 9 {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "hl7", "Decode",
			"MSH segment detection")
	}

	delims := protocol.DefaultHL7Delimiters()
	delims.Field = text[3]
	encoding := text[4:]
	if i := strings.IndexByte(encoding, delims.Field); i > 0 {
		encoding = encoding[:i]
	}
	if len(encoding) > 0 {
		delims.Component = encoding[0]
	}
	if len(encoding) > 1 {
		delims.Repeat = encoding[1]
	}
	if len(encoding) > 2 {
		delims.Escape = encoding[2]
	}

	msg := &protocol.Message{Protocol: types.ProtocolHL7}

	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		if len(line) < 3 {
			return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "hl7", "Decode",
				"segment identification")
		}

		segID := line[:3]
		kind, known := segmentKinds[segID]
		if !known {
			kind = protocol.KindOther
		}

		rec := protocol.Record{
			Kind:   kind,
			Raw:    line,
			Fields: strings.Split(line, string(delims.Field)),
			Delims: delims,
		}
		msg.Records = append(msg.Records, rec)

		if kind == protocol.KindHeader {
			// MSH-1 is the separator itself, so MSH-n lives at Fields[n-1]
			msg.Sender = rec.Component(2, 0)
			msg.ControlID = rec.Field(9)
		}
	}

	if _, ok := msg.First(protocol.KindHeader); !ok {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "hl7", "Decode",
			"MSH segment validation")
	}

	msg.Complete = true
	return msg, nil
}

// FieldIndex translates an HL7 field number to the Fields index for a
// segment. MSH counts its field separator as MSH-1, shifting everything by
// one relative to other segments.
func FieldIndex(segment string, n int) int {
	if segment == "MSH" {
		return n - 1
	}
	return n
}
