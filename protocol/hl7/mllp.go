// Package hl7 implements HL7 v2.x decoding over MLLP for analyzers such as
// the Mindray BS-430. Integrity relies on TCP; there is no checksum.
package hl7

import "bytes"

// MLLP envelope bytes
const (
	VT = 0x0B // Vertical Tab: start of block
	FS = 0x1C // File Separator: end of block
	CR = 0x0D // Carriage Return: trailer after FS
)

// Codec extracts HL7 messages from an MLLP byte stream
type Codec struct {
	buf []byte
}

// NewCodec returns an empty MLLP codec
func NewCodec() *Codec {
	return &Codec{}
}

// Feed consumes inbound bytes and returns the complete messages found
// (without envelope bytes) plus the number of bytes discarded outside
// envelopes. Callers surface discards as warnings.
func (c *Codec) Feed(data []byte) (messages [][]byte, discarded int) {
	c.buf = append(c.buf, data...)

	for {
		start := bytes.IndexByte(c.buf, VT)
		if start < 0 {
			// No envelope start anywhere: everything so far is noise
			discarded += len(c.buf)
			c.buf = nil
			return messages, discarded
		}
		if start > 0 {
			discarded += start
			c.buf = c.buf[start:]
		}

		end := bytes.IndexByte(c.buf, FS)
		if end < 0 {
			return messages, discarded // envelope still arriving
		}
		// The FS must be followed by CR; wait for it
		if end+1 >= len(c.buf) {
			return messages, discarded
		}

		msg := make([]byte, end-1)
		copy(msg, c.buf[1:end])

		tail := c.buf[end+1:]
		if tail[0] == CR {
			tail = tail[1:]
		}
		// A missing trailer byte is tolerated; whatever follows is either
		// the next envelope or noise counted on the next pass
		c.buf = tail
		messages = append(messages, msg)
	}
}

// Envelope wraps an HL7 message in MLLP framing bytes
func Envelope(message []byte) []byte {
	out := make([]byte, 0, len(message)+3)
	out = append(out, VT)
	out = append(out, message...)
	out = append(out, FS, CR)
	return out
}
