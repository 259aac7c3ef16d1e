package astm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrisyn/LabAnalyzer/errors"
)

// feedAll feeds data and flattens replies/payloads for assertions
func feedAll(t *testing.T, c *Codec, data []byte) (replies []byte, payloads [][]byte, done bool) {
	t.Helper()
	res, err := c.Feed(data)
	require.NoError(t, err)
	for _, s := range res.Steps {
		replies = append(replies, s.Reply...)
		if s.Payload != nil {
			payloads = append(payloads, s.Payload)
		}
	}
	return replies, payloads, res.SessionDone
}

func TestHandshakeENQ(t *testing.T) {
	c := NewCodec()
	replies, payloads, done := feedAll(t, c, []byte{ENQ})
	assert.Equal(t, []byte{ACK}, replies)
	assert.Empty(t, payloads)
	assert.False(t, done)
}

func TestIdleIgnoresGarbage(t *testing.T) {
	c := NewCodec()
	replies, _, _ := feedAll(t, c, []byte("noise before handshake"))
	assert.Empty(t, replies)

	// ENQ buried in garbage still starts the session
	replies, _, _ = feedAll(t, c, append([]byte{'x', 'y'}, ENQ))
	assert.Equal(t, []byte{ACK}, replies)
}

func TestHappyPathSession(t *testing.T) {
	c := NewCodec()

	records := []string{
		`H|\^&|||SYSMEX XN-L^1|||||||P|E1394|20240105`,
		`P|1|322288|||WORLANYO^TIMOTHY||19850612|M`,
		`O|1|SID01||^^^GLU|R`,
		`R|1|^^^GLU|5.3|mmol/L|3.9-6.1|N||F`,
		`L|1|N`,
	}

	replies, _, _ := feedAll(t, c, []byte{ENQ})
	assert.Equal(t, []byte{ACK}, replies)

	var collected [][]byte
	for i, rec := range records {
		frame := EncodeFrame(i+1, []byte(rec+"\r"), true)
		replies, payloads, _ := feedAll(t, c, frame)
		assert.Equal(t, []byte{ACK}, replies, "record %d", i)
		require.Len(t, payloads, 1, "record %d", i)
		collected = append(collected, payloads[0])
	}

	_, _, done := feedAll(t, c, []byte{EOT})
	assert.True(t, done)

	assert.Equal(t, records[0]+"\r", string(collected[0]))
	assert.Equal(t, records[4]+"\r", string(collected[4]))
}

func TestChecksumFailureThenRetransmit(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	good := EncodeFrame(1, []byte("P|1|322288\r"), true)

	// Corrupt one checksum digit
	bad := make([]byte, len(good))
	copy(bad, good)
	if bad[len(bad)-4] == 'A' {
		bad[len(bad)-4] = 'B'
	} else {
		bad[len(bad)-4] = 'A'
	}

	replies, payloads, _ := feedAll(t, c, bad)
	assert.Equal(t, []byte{NAK}, replies)
	assert.Empty(t, payloads)

	// Identical frame with correct checksum: same sequence is still expected
	replies, payloads, _ = feedAll(t, c, good)
	assert.Equal(t, []byte{ACK}, replies)
	require.Len(t, payloads, 1)
	assert.Equal(t, "P|1|322288\r", string(payloads[0]))
}

func TestSequenceMismatchNAK(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	// Frame with seq 3 while 1 is expected
	replies, payloads, _ := feedAll(t, c, EncodeFrame(3, []byte("H|\\^&\r"), true))
	assert.Equal(t, []byte{NAK}, replies)
	assert.Empty(t, payloads)

	// Correct frame is still accepted afterwards
	replies, _, _ = feedAll(t, c, EncodeFrame(1, []byte("H|\\^&\r"), true))
	assert.Equal(t, []byte{ACK}, replies)
}

func TestSequenceWrapsModulo8(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	// Frames 1..7 then 0 then 1
	for _, seq := range []int{1, 2, 3, 4, 5, 6, 7, 0, 1} {
		replies, _, _ := feedAll(t, c, EncodeFrame(seq, []byte("C|1|x\r"), true))
		assert.Equal(t, []byte{ACK}, replies, "seq %d", seq)
	}
}

func TestETBContinuation(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	part1 := EncodeFrame(1, []byte("R|1|^^^GLU|5."), false)
	part2 := EncodeFrame(2, []byte("3|mmol/L\r"), true)

	replies, payloads, _ := feedAll(t, c, part1)
	assert.Equal(t, []byte{ACK}, replies)
	assert.Empty(t, payloads, "intermediate frame must not surface a payload")

	replies, payloads, _ = feedAll(t, c, part2)
	assert.Equal(t, []byte{ACK}, replies)
	require.Len(t, payloads, 1)
	assert.Equal(t, "R|1|^^^GLU|5.3|mmol/L\r", string(payloads[0]))
}

func TestLargeMessageAcrossManyFrames(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	// >=64 KiB payload split across >=8 ETB frames
	chunk := make([]byte, 8192)
	for i := range chunk {
		chunk[i] = 'A' + byte(i%26)
	}

	seq := 1
	var payloads [][]byte
	for i := 0; i < 9; i++ {
		final := i == 8
		replies, got, _ := feedAll(t, c, EncodeFrame(seq, chunk, final))
		assert.Equal(t, []byte{ACK}, replies)
		payloads = append(payloads, got...)
		seq = (seq + 1) % 8
	}

	require.Len(t, payloads, 1)
	assert.Len(t, payloads[0], 9*len(chunk))
}

func TestFragmentedDelivery(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	frame := EncodeFrame(1, []byte("P|1|322288\r"), true)

	// Deliver the frame one byte at a time
	var replies []byte
	var payloads [][]byte
	for _, b := range frame {
		r, p, _ := feedAll(t, c, []byte{b})
		replies = append(replies, r...)
		payloads = append(payloads, p...)
	}
	assert.Equal(t, []byte{ACK}, replies)
	require.Len(t, payloads, 1)
	assert.Equal(t, "P|1|322288\r", string(payloads[0]))
}

func TestUnexpectedControlTriggersResync(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	// Garbage mid-session, then a valid frame
	data := append([]byte("garbage"), EncodeFrame(1, []byte("H|\\^&\r"), true)...)
	replies, payloads, _ := feedAll(t, c, data)
	assert.Equal(t, []byte{NAK, ACK}, replies)
	require.Len(t, payloads, 1)
}

func TestThreeConsecutiveNAKsFatal(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	bad := EncodeFrame(1, []byte("P|1\r"), true)
	bad[len(bad)-3] = 'F' // corrupt checksum

	for i := 0; i < 2; i++ {
		res, err := c.Feed(bad)
		require.NoError(t, err, "NAK %d should not be fatal", i+1)
		require.Len(t, res.Steps, 1)
		assert.Equal(t, []byte{NAK}, res.Steps[0].Reply)
	}

	res, err := c.Feed(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTooManyNAKs))
	// The final NAK is still surfaced so it can be written before close
	require.Len(t, res.Steps, 1)
	assert.Equal(t, []byte{NAK}, res.Steps[0].Reply)
}

func TestEOTResetsSequence(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})
	feedAll(t, c, EncodeFrame(1, []byte("H|\\^&\r"), true))
	feedAll(t, c, EncodeFrame(2, []byte("L|1|N\r"), true))

	_, _, done := feedAll(t, c, []byte{EOT})
	assert.True(t, done)

	// New session starts at seq 1 again
	feedAll(t, c, []byte{ENQ})
	replies, _, _ := feedAll(t, c, EncodeFrame(1, []byte("H|\\^&\r"), true))
	assert.Equal(t, []byte{ACK}, replies)
}

func TestChecksum(t *testing.T) {
	// 0x31+0x48+0x7C+0x5C+0x5E+0x26+0x03 = 0x1D8, mod 256 = 0xD8
	data := append([]byte("1H|\\^&"), ETX)
	assert.Equal(t, "D8", Checksum(data))

	assert.Equal(t, "00", Checksum(nil))
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	c := NewCodec()
	feedAll(t, c, []byte{ENQ})

	payload := []byte(`R|1|^^^CREA|88|umol/L|62-106|N||F` + "\r")
	frame := EncodeFrame(1, payload, true)

	replies, payloads, _ := feedAll(t, c, frame)
	assert.Equal(t, []byte{ACK}, replies)
	require.Len(t, payloads, 1)
	assert.Equal(t, payload, payloads[0])
}
