package astm

import (
	"strings"

	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/protocol"
	"github.com/harrisyn/LabAnalyzer/types"
)

// recordKinds maps E1394 record type letters to neutral kinds
var recordKinds = map[byte]protocol.Kind{
	'H': protocol.KindHeader,
	'P': protocol.KindPatient,
	'O': protocol.KindOrder,
	'R': protocol.KindResult,
	'C': protocol.KindComment,
	'Q': protocol.KindQuery,
	'L': protocol.KindTerminator,
	'M': protocol.KindOther,
}

// Decoder assembles complete frame payloads into Messages. A message spans
// H through L; the L record finalizes it.
type Decoder struct {
	delims  protocol.Delimiters
	current *protocol.Message
}

// NewDecoder returns a decoder with default E1394 delimiters until an H
// record overrides them
func NewDecoder() *Decoder {
	return &Decoder{delims: protocol.DefaultASTMDelimiters()}
}

// Consume processes one complete frame payload (records separated by CR) and
// returns any messages finalized by it.
func (d *Decoder) Consume(payload []byte) ([]*protocol.Message, error) {
	var done []*protocol.Message

	for _, raw := range strings.Split(string(payload), "\r") {
		raw = strings.TrimSuffix(raw, "\n")
		if raw == "" {
			continue
		}
		msg, err := d.consumeRecord(raw)
		if err != nil {
			return done, err
		}
		if msg != nil {
			done = append(done, msg)
		}
	}
	return done, nil
}

// consumeRecord parses a single record line and returns a message when the
// record finalized one
func (d *Decoder) consumeRecord(raw string) (*protocol.Message, error) {
	typeByte, ok := recordTypeOf(raw)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "astm", "Consume",
			"record type identification")
	}

	kind, known := recordKinds[typeByte]
	if !known {
		kind = protocol.KindOther
	}

	if kind == protocol.KindHeader {
		d.delims = headerDelimiters(raw)
		d.current = &protocol.Message{Protocol: types.ProtocolASTM}
	}

	if d.current == nil {
		// Records before any H are tolerated but start an implicit message
		d.current = &protocol.Message{Protocol: types.ProtocolASTM}
	}

	rec := protocol.Record{
		Kind:   kind,
		Raw:    raw,
		Fields: strings.Split(raw, string(d.delims.Field)),
		Delims: d.delims,
	}
	// Normalize numbered type fields ("2P") to the bare letter so field
	// positions stay protocol-standard
	rec.Fields[0] = string(typeByte)

	if kind == protocol.KindHeader {
		d.current.Sender = rec.Component(4, 0)
	}

	d.current.Records = append(d.current.Records, rec)

	if kind == protocol.KindTerminator {
		msg := d.current
		msg.Complete = true
		d.current = nil
		return msg, nil
	}
	return nil, nil
}

// Flush abandons any in-progress message (session ended without L) and
// returns it for diagnostics; the message is not marked complete.
func (d *Decoder) Flush() *protocol.Message {
	msg := d.current
	d.current = nil
	d.delims = protocol.DefaultASTMDelimiters()
	return msg
}

// recordTypeOf extracts the record type letter, accepting both bare ("P")
// and frame-numbered ("2P") first fields
func recordTypeOf(raw string) (byte, bool) {
	i := 0
	for i < len(raw) && raw[i] >= '0' && raw[i] <= '9' {
		i++
	}
	if i >= len(raw) {
		return 0, false
	}
	c := raw[i]
	if c < 'A' || c > 'Z' {
		return 0, false
	}
	return c, true
}

// headerDelimiters reads the delimiter definition from an H record
// ("H|\^&|..."): field delimiter first, then repeat, component, escape.
func headerDelimiters(raw string) protocol.Delimiters {
	d := protocol.DefaultASTMDelimiters()

	i := strings.IndexByte(raw, 'H')
	if i < 0 || i+1 >= len(raw) {
		return d
	}
	rest := raw[i+1:]
	if len(rest) == 0 {
		return d
	}
	d.Field = rest[0]
	if len(rest) > 1 && rest[1] != d.Field {
		d.Repeat = rest[1]
	}
	if len(rest) > 2 && rest[2] != d.Field {
		d.Component = rest[2]
	}
	if len(rest) > 3 && rest[3] != d.Field {
		d.Escape = rest[3]
	}
	return d
}
