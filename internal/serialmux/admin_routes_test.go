package serialmux

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ld06/internal/lidar/l1packets"
	"github.com/banshee-data/ld06/internal/testutil"
)

func TestAttachAdminRoutes_Stats(t *testing.T) {
	testutil.QuietLogs(t)
	port := NewTestableSerialPort()
	port.EOFWhenEmpty = true
	port.AddReadData(append([]byte{0xAA, 0xBB}, testFrames(t, 2)...))

	mux := NewSerialMux(port, MonitorOptions{})
	require.NoError(t, runMonitor(t, mux, context.Background()))

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, testutil.DebugRequest(http.MethodGet, "/debug/ld06-stats", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got l1packets.StatsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, int64(2), got.FramesAccepted)
	assert.Equal(t, int64(2), got.BytesDiscarded)
}

func TestAttachAdminRoutes_Latest(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort(), MonitorOptions{})
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, testutil.DebugRequest(http.MethodGet, "/debug/ld06-latest", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)

	want := SyntheticScan(3, 2.0)
	mux.publish(want)

	w = httptest.NewRecorder()
	httpMux.ServeHTTP(w, testutil.DebugRequest(http.MethodGet, "/debug/ld06-latest", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	var got l1packets.ScanRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, want, got)
}

func TestAttachAdminRoutes_RejectsRemote(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort(), MonitorOptions{})
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodGet, "/debug/ld06-stats", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, req)
	testutil.AssertStatusCode(t, w.Code, http.StatusForbidden)
}

func TestAttachAdminRoutes_TailMethodNotAllowed(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort(), MonitorOptions{})
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	w := httptest.NewRecorder()
	httpMux.ServeHTTP(w, testutil.DebugRequest(http.MethodPost, "/debug/ld06-tail", nil))
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestAttachAdminRoutes_Tail(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort(), MonitorOptions{})
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/ld06-tail", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	// the handler subscribed before the ping was flushed
	want := SyntheticScan(7, 1.0)
	mux.publish(want)

	var data string
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			break
		}
	}

	var got l1packets.ScanRecord
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, want, got)
}
