package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/metric"
	"github.com/harrisyn/LabAnalyzer/store"
	"github.com/harrisyn/LabAnalyzer/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type fixture struct {
	server *Server
	store  *store.Store
	events *event.Bus
	base   string
	wsBase string
}

func startGateway(t *testing.T) *fixture {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := event.NewBus(256)
	t.Cleanup(bus.Close)

	port := freePort(t)
	srv := NewServer(Deps{
		Port:       port,
		Store:      s,
		Events:     bus,
		Metrics:    metric.NewRegistry(),
		AppName:    "LabAnalyzer",
		InstanceID: "TEST-01",
	})
	require.NoError(t, srv.Initialize())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })

	f := &fixture{
		server: srv,
		store:  s,
		events: bus,
		base:   fmt.Sprintf("http://127.0.0.1:%d", port),
		wsBase: fmt.Sprintf("ws://127.0.0.1:%d", port),
	}
	f.waitReady(t)
	return f
}

func (f *fixture) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(f.base + "/healthz")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	f := startGateway(t)

	var body map[string]any
	code := getJSON(t, f.base+"/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "TEST-01", body["instance_id"])
}

func TestStatusEndpoint(t *testing.T) {
	f := startGateway(t)

	var body struct {
		InstanceID string `json:"instance_id"`
		Listeners  []any  `json:"listeners"`
	}
	code := getJSON(t, f.base+"/status", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "TEST-01", body.InstanceID)
}

func TestMetricsEndpoint(t *testing.T) {
	f := startGateway(t)

	resp, err := http.Get(f.base + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSyncHistoryEndpoint(t *testing.T) {
	f := startGateway(t)

	require.NoError(t, f.store.RecordSyncAttempt(context.Background(), "success", "HTTP 200", 3))

	var body struct {
		History []struct {
			Status        string `json:"status"`
			RecordsSynced int    `json:"records_synced"`
		} `json:"history"`
	}
	code := getJSON(t, f.base+"/sync/history", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.History, 1)
	assert.Equal(t, "success", body.History[0].Status)
	assert.Equal(t, 3, body.History[0].RecordsSynced)
}

func TestSyncNowDisabled(t *testing.T) {
	f := startGateway(t)

	resp, err := http.Post(f.base+"/sync", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	f := startGateway(t)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsBase+"/events", nil)
	require.NoError(t, err)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	f.events.Publish(event.MessageIngested(5000, "1 patient, 2 results"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev event.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, event.TypeMessageIngested, ev.Type)
	assert.Equal(t, 5000, ev.Port)
	assert.Equal(t, "1 patient, 2 results", ev.Summary)
}

func TestHealthReportsStoreCounts(t *testing.T) {
	f := startGateway(t)

	_, _, _, err := f.store.SaveMessage(context.Background(), &types.IngestRecord{
		AnalyzerInstance: "TEST-01",
		Patient:          types.Patient{ExternalID: "1", SyncStatus: types.SyncLocal},
		Order:            types.Order{SampleID: "S1", SyncStatus: types.SyncLocal},
		Results:          []types.Result{{TestCode: "GLU", Value: "5.0", SyncStatus: types.SyncLocal}},
	})
	require.NoError(t, err)

	var body struct {
		Results map[string]int `json:"results"`
	}
	code := getJSON(t, f.base+"/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, body.Results["local"])
}

func TestServerStopIdempotent(t *testing.T) {
	f := startGateway(t)
	require.NoError(t, f.server.Stop(time.Second))
	require.NoError(t, f.server.Stop(time.Second))
}
