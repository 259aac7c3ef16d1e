// Package astm implements ASTM E1381 framing and E1394 record decoding for
// clinical analyzers (SYSMEX XN-L, Roche Cobas, Siemens Dimension, VITROS,
// Beckman AU).
package astm

import (
	"bytes"
	"fmt"

	"github.com/harrisyn/LabAnalyzer/errors"
)

// ASTM control characters
const (
	STX = 0x02 // Start of Text
	ETX = 0x03 // End of Text
	EOT = 0x04 // End of Transmission
	ENQ = 0x05 // Enquiry
	ACK = 0x06 // Acknowledge
	NAK = 0x15 // Negative Acknowledge
	ETB = 0x17 // End of Transmission Block
	CR  = 0x0D // Carriage Return
	LF  = 0x0A // Line Feed
)

// maxConsecutiveNAKs closes the connection when the same frame keeps failing
const maxConsecutiveNAKs = 3

// sessionState tracks the E1381 handshake
type sessionState int

const (
	stateIdle sessionState = iota
	stateAwaitFrame
)

// Step is one unit of codec output. Payload is non-nil when a final (ETX)
// frame completed: the caller must process it and only then transmit Reply.
// For all other steps Reply is transmitted immediately.
type Step struct {
	Reply   []byte
	Payload []byte
}

// FeedResult reports everything a Feed call produced
type FeedResult struct {
	Steps       []Step
	SessionDone bool // EOT received; decoder state should be flushed
}

// Codec converts a raw byte stream into validated ASTM frame payloads and
// produces the ENQ/ACK/NAK handshake responses.
type Codec struct {
	state       sessionState
	buf         []byte
	expectedSeq int
	partial     []byte // buffered ETB continuation payload
	nakStreak   int
}

// NewCodec returns a codec in the Idle state
func NewCodec() *Codec {
	return &Codec{state: stateIdle, expectedSeq: 1}
}

// reset returns the codec to Idle and clears per-session state. The expected
// sequence number restarts at 1 for every new session.
func (c *Codec) reset() {
	c.state = stateIdle
	c.expectedSeq = 1
	c.partial = nil
	c.nakStreak = 0
}

// Feed consumes inbound bytes and returns handshake responses plus any
// completed frame payloads. A non-nil error is fatal for the connection.
func (c *Codec) Feed(data []byte) (FeedResult, error) {
	c.buf = append(c.buf, data...)
	var res FeedResult

	for len(c.buf) > 0 {
		switch c.state {
		case stateIdle:
			done, err := c.feedIdle(&res)
			if err != nil {
				return res, err
			}
			if done {
				return res, nil
			}
		case stateAwaitFrame:
			done, err := c.feedAwaitFrame(&res)
			if err != nil {
				return res, err
			}
			if done {
				return res, nil
			}
		}
	}
	return res, nil
}

// feedIdle waits for ENQ. Anything else is discarded.
func (c *Codec) feedIdle(res *FeedResult) (waitForMore bool, err error) {
	idx := bytes.IndexByte(c.buf, ENQ)
	if idx < 0 {
		c.buf = nil
		return true, nil
	}
	c.buf = c.buf[idx+1:]
	c.state = stateAwaitFrame
	c.expectedSeq = 1
	c.partial = nil
	c.nakStreak = 0
	res.Steps = append(res.Steps, Step{Reply: []byte{ACK}})
	return false, nil
}

// feedAwaitFrame consumes one frame, EOT, or resynchronizes
func (c *Codec) feedAwaitFrame(res *FeedResult) (waitForMore bool, err error) {
	switch c.buf[0] {
	case EOT:
		c.buf = c.buf[1:]
		c.reset()
		res.SessionDone = true
		return false, nil
	case STX:
		return c.consumeFrame(res)
	case ENQ:
		// Peer restarted the handshake mid-session
		c.buf = c.buf[1:]
		c.expectedSeq = 1
		c.partial = nil
		c.nakStreak = 0
		res.Steps = append(res.Steps, Step{Reply: []byte{ACK}})
		return false, nil
	default:
		// Unexpected byte: NAK and discard until the next STX or EOT
		if err := c.recordNAK(res); err != nil {
			return false, err
		}
		c.resync()
		return false, nil
	}
}

// resync drops bytes until the next STX or EOT
func (c *Codec) resync() {
	for i, b := range c.buf {
		if b == STX || b == EOT {
			c.buf = c.buf[i:]
			return
		}
	}
	c.buf = nil
}

// consumeFrame parses one STX-prefixed frame if it is complete in the buffer
func (c *Codec) consumeFrame(res *FeedResult) (waitForMore bool, err error) {
	// Locate the ETX/ETB terminator
	term := -1
	for i := 1; i < len(c.buf); i++ {
		if c.buf[i] == ETX || c.buf[i] == ETB {
			term = i
			break
		}
	}
	if term < 0 {
		return true, nil // frame still arriving
	}
	// Need checksum (2) + CR LF after the terminator
	if len(c.buf) < term+5 {
		return true, nil
	}

	frame := c.buf[:term+5]
	c.buf = c.buf[term+5:]

	payload, final, ferr := c.validateFrame(frame)
	if ferr != nil {
		if err := c.recordNAK(res); err != nil {
			return false, err
		}
		return false, nil
	}

	c.nakStreak = 0
	c.expectedSeq = (c.expectedSeq + 1) % 8

	if !final {
		// Intermediate frame: buffer the payload, continuation expected
		c.partial = append(c.partial, payload...)
		res.Steps = append(res.Steps, Step{Reply: []byte{ACK}})
		return false, nil
	}

	full := append(c.partial, payload...)
	c.partial = nil
	res.Steps = append(res.Steps, Step{Reply: []byte{ACK}, Payload: full})
	return false, nil
}

// recordNAK emits a NAK without advancing the expected sequence and fails the
// session after maxConsecutiveNAKs
func (c *Codec) recordNAK(res *FeedResult) error {
	c.nakStreak++
	res.Steps = append(res.Steps, Step{Reply: []byte{NAK}})
	if c.nakStreak >= maxConsecutiveNAKs {
		return errors.WrapFatal(errors.ErrTooManyNAKs, "astm", "Feed",
			fmt.Sprintf("%d consecutive NAKs on seq %d", c.nakStreak, c.expectedSeq))
	}
	return nil
}

// validateFrame checks structure, sequence number, and checksum of a frame
// of the form STX <seq> <text> <ETX|ETB> <hi> <lo> CR LF. It returns the
// frame text and whether the frame was final (ETX).
func (c *Codec) validateFrame(frame []byte) (payload []byte, final bool, err error) {
	n := len(frame)
	if n < 7 || frame[0] != STX || frame[n-2] != CR || frame[n-1] != LF {
		return nil, false, errors.ErrFramingDesync
	}

	termByte := frame[n-5]
	if termByte != ETX && termByte != ETB {
		return nil, false, errors.ErrFramingDesync
	}
	final = termByte == ETX

	seqByte := frame[1]
	if seqByte < '0' || seqByte > '7' {
		return nil, false, errors.ErrFramingDesync
	}
	if int(seqByte-'0') != c.expectedSeq {
		return nil, false, errors.ErrSequenceMismatch
	}

	// Checksum covers everything after STX through ETX/ETB inclusive
	want := Checksum(frame[1 : n-4])
	got := string(frame[n-4 : n-2])
	if got != want {
		return nil, false, errors.ErrChecksumFailed
	}

	text := frame[2 : n-5]
	out := make([]byte, len(text))
	copy(out, text)
	return out, final, nil
}

// Rewind steps the expected sequence back one frame. The session layer uses
// it when a checksum-valid frame is rejected at the record layer, so the
// peer's retransmission of the same frame is accepted.
func (c *Codec) Rewind() {
	c.expectedSeq = (c.expectedSeq + 7) % 8
}

// Checksum computes the E1381 checksum of data (the bytes after STX through
// and including ETX/ETB) as two uppercase hex digits.
func Checksum(data []byte) string {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return fmt.Sprintf("%02X", sum)
}

// EncodeFrame builds a wire frame for payload with the given sequence
// number. Analyzers are the usual senders; the receiver uses this in tests
// and simulators.
func EncodeFrame(seq int, payload []byte, final bool) []byte {
	term := byte(ETB)
	if final {
		term = ETX
	}
	body := make([]byte, 0, len(payload)+2)
	body = append(body, byte('0'+seq%8))
	body = append(body, payload...)
	body = append(body, term)

	frame := make([]byte, 0, len(body)+5)
	frame = append(frame, STX)
	frame = append(frame, body...)
	frame = append(frame, Checksum(body)...)
	frame = append(frame, CR, LF)
	return frame
}
