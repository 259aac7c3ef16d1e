package tcp

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/protocol/astm"
	"github.com/harrisyn/LabAnalyzer/protocol/hl7"
	"github.com/harrisyn/LabAnalyzer/store"
	"github.com/harrisyn/LabAnalyzer/types"
)

// freePort asks the kernel for an unused TCP port
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type harness struct {
	listener *Listener
	store    *store.Store
	events   *event.Bus
	port     int
}

func startListener(t *testing.T, analyzer types.AnalyzerType, proto types.Protocol, idle time.Duration) *harness {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := event.NewBus(256)
	t.Cleanup(bus.Close)

	port := freePort(t)
	l, err := NewListener(Deps{
		Spec:        types.ListenerSpec{Port: port, AnalyzerType: analyzer, Protocol: proto},
		Store:       s,
		Events:      bus,
		Instance:    "TEST-01",
		AppName:     "LabAnalyzer",
		IdleTimeout: idle,
	})
	require.NoError(t, err)
	require.NoError(t, l.Initialize())
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(3 * time.Second) })

	return &harness{listener: l, store: s, events: bus, port: port}
}

func dial(t *testing.T, port int) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
		if err == nil {
			t.Cleanup(func() { _ = conn.Close() })
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("dial port %d: %v", port, err)
	return nil
}

// expectByte reads one byte and asserts its value
func expectByte(t *testing.T, conn net.Conn, want byte) {
	t.Helper()
	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, want, buf[0])
}

// readReply reads until the deadline or delim
func readReply(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestASTMSessionEndToEnd(t *testing.T) {
	h := startListener(t, types.AnalyzerSysmexXNL, types.ProtocolASTM, time.Minute)
	conn := dial(t, h.port)

	_, err := conn.Write([]byte{astm.ENQ})
	require.NoError(t, err)
	expectByte(t, conn, astm.ACK)

	records := []string{
		"H|\\^&|||SYSMEX XN-L^1",
		"P|1|322288|||WORLANYO^TIMOTHY||19850612|M",
		"O|1|SID01||^^^GLU|R",
		"R|1|^^^GLU|5.3|mmol/L|3.9-6.1|N||F",
		"L|1|N",
	}
	for i, rec := range records {
		_, err := conn.Write(astm.EncodeFrame(i+1, []byte(rec+"\r"), true))
		require.NoError(t, err)
		expectByte(t, conn, astm.ACK)
	}
	_, err = conn.Write([]byte{astm.EOT})
	require.NoError(t, err)

	// The L-frame ACK was only sent after the commit, so rows exist now
	batch, err := h.store.PendingBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "322288", batch[0].Patient.ExternalID)
	assert.Equal(t, "SID01", batch[0].Order.SampleID)
	require.Len(t, batch[0].Results, 1)
	assert.Equal(t, "GLU", batch[0].Results[0].TestCode)
	assert.Equal(t, "5.3", batch[0].Results[0].Value)
}

func TestASTMChecksumFailureRetransmit(t *testing.T) {
	h := startListener(t, types.AnalyzerSysmexXNL, types.ProtocolASTM, time.Minute)
	conn := dial(t, h.port)

	_, err := conn.Write([]byte{astm.ENQ})
	require.NoError(t, err)
	expectByte(t, conn, astm.ACK)

	frames := [][]byte{
		astm.EncodeFrame(1, []byte("H|\\^&\r"), true),
		astm.EncodeFrame(2, []byte("P|1|322288\r"), true),
		astm.EncodeFrame(3, []byte("O|1|SID01\r"), true),
	}
	for _, f := range frames {
		_, err := conn.Write(f)
		require.NoError(t, err)
		expectByte(t, conn, astm.ACK)
	}

	// Frame 4 with a corrupted checksum draws a NAK
	good := astm.EncodeFrame(4, []byte("R|1|^^^GLU|5.3|mmol/L\r"), true)
	bad := make([]byte, len(good))
	copy(bad, good)
	bad[len(bad)-3] ^= 0x01
	_, err = conn.Write(bad)
	require.NoError(t, err)
	expectByte(t, conn, astm.NAK)

	// Retransmission of the corrected frame is accepted
	_, err = conn.Write(good)
	require.NoError(t, err)
	expectByte(t, conn, astm.ACK)

	_, err = conn.Write(astm.EncodeFrame(5, []byte("L|1|N\r"), true))
	require.NoError(t, err)
	expectByte(t, conn, astm.ACK)
	_, err = conn.Write([]byte{astm.EOT})
	require.NoError(t, err)

	batch, err := h.store.PendingBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Len(t, batch[0].Results, 1)
	assert.Equal(t, "GLU", batch[0].Results[0].TestCode)
}

func TestHL7SessionEndToEnd(t *testing.T) {
	h := startListener(t, types.AnalyzerMindrayBS430, types.ProtocolHL7, time.Minute)
	conn := dial(t, h.port)

	msg := "MSH|^~\\&|BS-430|Mindray|||20240105093000||ORU^R01|42|P|2.3.1\r" +
		"PID|1|322288|322288||WORLANYO^TIMOTHY||19850612|M\r" +
		"OBR|1||322288|^^^CHEM\r" +
		"OBX|1|NM|GLU||5.3|mmol/L|3.9-6.1|N|||F||5.3|20240105092500\r" +
		"OBX|2|NM|CREA||88|umol/L|62-106|N|||F||88|20240105092500\r"

	_, err := conn.Write(hl7.Envelope([]byte(msg)))
	require.NoError(t, err)

	reply := readReply(t, conn)
	assert.Contains(t, string(reply), "MSA|AA|42")

	batch, err := h.store.PendingBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "322288", batch[0].Patient.ExternalID)
	assert.Equal(t, "WORLANYO TIMOTHY", batch[0].Patient.FullName)
	assert.Equal(t, "322288", batch[0].Order.SampleID)
	require.Len(t, batch[0].Results, 2)
	assert.Equal(t, "GLU", batch[0].Results[0].TestCode)
	assert.Equal(t, "CREA", batch[0].Results[1].TestCode)
}

func TestHL7MissingPatientIDReject(t *testing.T) {
	h := startListener(t, types.AnalyzerMindrayBS430, types.ProtocolHL7, time.Minute)
	conn := dial(t, h.port)

	msg := "MSH|^~\\&|BS-430||||1||ORU^R01|7|P|2.3.1\r" +
		"PID|1||||DOE^JANE\r" +
		"OBX|1|NM|WBC||9.1|10*9/L\r"
	_, err := conn.Write(hl7.Envelope([]byte(msg)))
	require.NoError(t, err)

	reply := readReply(t, conn)
	assert.Contains(t, string(reply), "MSA|AR|7")

	batch, err := h.store.PendingBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestHL7ParseFailureAE(t *testing.T) {
	h := startListener(t, types.AnalyzerMindrayBS430, types.ProtocolHL7, time.Minute)
	conn := dial(t, h.port)

	_, err := conn.Write(hl7.Envelope([]byte("PID|no msh here\r")))
	require.NoError(t, err)

	reply := readReply(t, conn)
	assert.Contains(t, string(reply), "MSA|AE|")
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	h := startListener(t, types.AnalyzerSysmexXNL, types.ProtocolASTM, 200*time.Millisecond)
	conn := dial(t, h.port)

	// Say nothing; the listener should hang up
	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(buf)
	assert.Error(t, err, "expected the server to close an idle connection")
	_ = h
}

func TestListenerStopClosesConnections(t *testing.T) {
	h := startListener(t, types.AnalyzerSysmexXNL, types.ProtocolASTM, time.Minute)
	conn := dial(t, h.port)

	start := time.Now()
	require.NoError(t, h.listener.Stop(3*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second)

	// The in-flight connection is closed promptly
	buf := make([]byte, 1)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := conn.Read(buf)
	assert.Error(t, err)

	// The port is released for rebinding
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(h.port)))
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestListenerStartStopIdempotent(t *testing.T) {
	h := startListener(t, types.AnalyzerSysmexXNL, types.ProtocolASTM, time.Minute)

	// Second Start is a no-op
	require.NoError(t, h.listener.Start(context.Background()))

	require.NoError(t, h.listener.Stop(time.Second))
	require.NoError(t, h.listener.Stop(time.Second))
}

func TestListenerHealthAndMeta(t *testing.T) {
	h := startListener(t, types.AnalyzerSysmexXNL, types.ProtocolASTM, time.Minute)

	meta := h.listener.Meta()
	assert.Equal(t, "input", meta.Type)
	assert.Contains(t, meta.Description, "ASTM")

	health := h.listener.Health()
	assert.True(t, health.Healthy)

	require.NoError(t, h.listener.Stop(time.Second))
	assert.False(t, h.listener.Health().Healthy)
}
