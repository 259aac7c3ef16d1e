package astm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrisyn/LabAnalyzer/protocol"
)

func TestDecoderFullMessage(t *testing.T) {
	d := NewDecoder()

	payload := []byte("H|\\^&|||SYSMEX XN-L^1|||||||P|E1394|20240105\r" +
		"P|1|322288|||WORLANYO^TIMOTHY||19850612|M\r" +
		"O|1|SID01||^^^GLU|R\r" +
		"R|1|^^^GLU|5.3|mmol/L|3.9-6.1|N||F\r" +
		"L|1|N\r")

	msgs, err := d.Consume(payload)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msg := msgs[0]
	assert.True(t, msg.Complete)
	assert.Len(t, msg.Records, 5)
	assert.Equal(t, "SYSMEX XN-L", msg.Sender)

	p, ok := msg.First(protocol.KindPatient)
	require.True(t, ok)
	assert.Equal(t, "322288", p.Field(2))
	assert.Equal(t, "WORLANYO", p.Component(5, 0))
	assert.Equal(t, "TIMOTHY", p.Component(5, 1))
	assert.Equal(t, "19850612", p.Field(7))
	assert.Equal(t, "M", p.Field(8))

	o, ok := msg.First(protocol.KindOrder)
	require.True(t, ok)
	assert.Equal(t, "SID01", o.Field(2))

	r, ok := msg.First(protocol.KindResult)
	require.True(t, ok)
	assert.Equal(t, "GLU", r.Component(2, 3))
	assert.Equal(t, "5.3", r.Field(3))
	assert.Equal(t, "mmol/L", r.Field(4))
	assert.Equal(t, "3.9-6.1", r.Field(5))
	assert.Equal(t, "N", r.Field(6))
}

func TestDecoderRecordsAcrossPayloads(t *testing.T) {
	d := NewDecoder()

	msgs, err := d.Consume([]byte("H|\\^&\r"))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = d.Consume([]byte("P|1|322288\rR|1|^^^WBC|9.1|10*9/L\r"))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = d.Consume([]byte("L|1|N\r"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].Records, 4)
}

func TestDecoderNumberedRecords(t *testing.T) {
	d := NewDecoder()

	// Frame-numbered first fields ("2P") normalize to the bare type letter
	msgs, err := d.Consume([]byte("1H|\\^&\r2P|1|322288\r3L|1|N\r"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	p, ok := msgs[0].First(protocol.KindPatient)
	require.True(t, ok)
	assert.Equal(t, "P", p.Field(0))
	assert.Equal(t, "322288", p.Field(2))
}

func TestDecoderCustomDelimiters(t *testing.T) {
	d := NewDecoder()

	// Header declares ! as field and % as component delimiter
	msgs, err := d.Consume([]byte("H!\\%&\rP!1!322288!!DOE%JANE\rL!1!N\r"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	p, ok := msgs[0].First(protocol.KindPatient)
	require.True(t, ok)
	assert.Equal(t, "322288", p.Field(2))
	assert.Equal(t, "JANE", p.Component(4, 1))
}

func TestDecoderCommentAndQuery(t *testing.T) {
	d := NewDecoder()

	msgs, err := d.Consume([]byte("H|\\^&\rC|1|I|lipemic sample|G\rQ|1|^SID9\rL|1|N\r"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	c := msgs[0].RecordsOf(protocol.KindComment)
	require.Len(t, c, 1)
	assert.Equal(t, "lipemic sample", c[0].Field(3))

	q := msgs[0].RecordsOf(protocol.KindQuery)
	assert.Len(t, q, 1)
}

func TestDecoderMalformedRecord(t *testing.T) {
	d := NewDecoder()

	_, err := d.Consume([]byte("H|\\^&\r"))
	require.NoError(t, err)

	_, err = d.Consume([]byte("123\r"))
	assert.Error(t, err)

	_, err = d.Consume([]byte("|||\r"))
	assert.Error(t, err)
}

func TestDecoderFlushIncomplete(t *testing.T) {
	d := NewDecoder()

	_, err := d.Consume([]byte("H|\\^&\rP|1|322288\r"))
	require.NoError(t, err)

	msg := d.Flush()
	require.NotNil(t, msg)
	assert.False(t, msg.Complete)
	assert.Len(t, msg.Records, 2)

	assert.Nil(t, d.Flush())
}

func TestDecoderEmptyTrailingFields(t *testing.T) {
	d := NewDecoder()

	msgs, err := d.Consume([]byte("H|\\^&\rP|1|322288||||||\rL|1|N\r"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	p, _ := msgs[0].First(protocol.KindPatient)
	assert.Equal(t, "", p.Field(3))
	assert.Equal(t, "", p.Field(25), "out-of-range fields read as empty")
}
