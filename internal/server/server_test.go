package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benvonhandorf/esp32-audio-stream/internal/config"
	"github.com/benvonhandorf/esp32-audio-stream/internal/metrics"
	"github.com/benvonhandorf/esp32-audio-stream/internal/pipeline"
	"github.com/benvonhandorf/esp32-audio-stream/internal/session"
	"github.com/benvonhandorf/esp32-audio-stream/internal/transcription"
	"github.com/benvonhandorf/esp32-audio-stream/internal/worker"
)

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(ctx context.Context, path string) (*transcription.Result, error) {
	return &transcription.Result{Text: "ok"}, nil
}

type closeRecorder struct{ closed atomic.Bool }

func (c *closeRecorder) Close() { c.closed.Store(true) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	tcp      *TCPServer
	pool     *worker.Pool
	registry *session.Registry
	metrics  *metrics.Metrics
	reg      *prometheus.Registry
	dir      string
}

func newHarness(t *testing.T, workers int, single bool, handler SessionHandler) *harness {
	t.Helper()

	reg := prometheus.NewRegistry()
	h := &harness{
		pool:     worker.NewPool(worker.Config{Workers: workers}, testLogger()),
		registry: session.NewRegistry(),
		metrics:  metrics.NewMetrics(reg),
		reg:      reg,
		dir:      t.TempDir(),
	}

	if handler == nil {
		p := pipeline.New(pipeline.Config{KeepRaw: true}, pipeline.Capabilities{}, pipeline.Deps{
			Transcriber: stubTranscriber{},
			Metrics:     h.metrics,
		}, testLogger())
		handler = p.Run
	}

	h.tcp = NewTCPServer(TCPConfig{Host: "127.0.0.1", Port: 0, SingleConnection: single}, TCPDeps{
		Sequencer: session.NewSequencer(),
		Naming:    session.ParsePattern(h.dir, "audio.raw"),
		Registry:  h.registry,
		Pool:      h.pool,
		Handler:   handler,
		Metrics:   h.metrics,
	}, testLogger())
	require.NoError(t, h.tcp.Start(context.Background()))

	t.Cleanup(func() {
		h.tcp.Stop()
		h.pool.Stop()
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", h.tcp.Addr().String())
	require.NoError(t, err)
	return conn
}

func sendAndClose(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	_, err := conn.Write(payload)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
}

func TestAcceptAssignsSequentialSessions(t *testing.T) {
	h := newHarness(t, 2, false, nil)

	for i := 0; i < 3; i++ {
		sendAndClose(t, h.dial(t), []byte("pcm-data"))
	}

	require.Eventually(t, func() bool {
		return h.registry.Stats().Finished == 3
	}, 5*time.Second, 10*time.Millisecond)

	for id := uint64(1); id <= 3; id++ {
		info, ok := h.registry.Get(id)
		require.True(t, ok, "session %d", id)
		assert.Equal(t, session.StateCompleted, info.State)
		assert.True(t, strings.HasPrefix(info.OutputPath, h.dir))
		assert.True(t, strings.HasSuffix(info.OutputPath, "_"+strconv.FormatUint(id, 10)+".raw"))
	}
	assert.Equal(t, uint64(3), h.tcp.GetStatistics().Accepted)
}

func TestSingleConnectionModeRefusesSecondDial(t *testing.T) {
	h := newHarness(t, 2, true, nil)

	sendAndClose(t, h.dial(t), []byte("one recording"))

	select {
	case <-h.tcp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish after the single session")
	}

	info, ok := h.registry.Get(1)
	require.True(t, ok)
	assert.Equal(t, session.StateCompleted, info.State, "session finished before the server reported done")

	_, err := net.DialTimeout("tcp", h.tcp.Addr().String(), time.Second)
	assert.Error(t, err)
}

// With no read timeout a peer that never sends or closes keeps its worker,
// so with one worker every later session waits in the queue.
func TestStalledReaderHoldsWorker(t *testing.T) {
	h := newHarness(t, 1, false, nil)

	stalled := h.dial(t)
	require.Eventually(t, func() bool { return h.pool.Busy() == 1 }, 5*time.Second, 5*time.Millisecond)

	sendAndClose(t, h.dial(t), []byte("waiting behind a stalled peer"))
	require.Eventually(t, func() bool { return h.pool.Queued() == 1 }, 5*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	info, ok := h.registry.Get(2)
	require.True(t, ok)
	assert.Equal(t, session.StateReceiving, info.State)

	require.NoError(t, stalled.Close())
	require.Eventually(t, func() bool {
		return h.registry.Stats().Finished == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartReturnsBindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	port := occupied.Addr().(*net.TCPAddr).Port
	srv := NewTCPServer(TCPConfig{Host: "127.0.0.1", Port: port}, TCPDeps{}, testLogger())

	err = srv.Start(context.Background())
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Contains(t, bindErr.Addr, strconv.Itoa(port))
}

func TestShutdownAbortsSessionsAfterDrainTimeout(t *testing.T) {
	started := make(chan struct{})
	handler := func(ctx context.Context, s *session.Session, conn net.Conn) error {
		defer conn.Close()
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t, 1, false, handler)

	conn := h.dial(t)
	defer conn.Close()
	<-started

	publisher := &closeRecorder{}
	coordinator := &ShutdownCoordinator{
		TCP:          h.tcp,
		Pool:         h.pool,
		Registry:     h.registry,
		Publisher:    publisher,
		DrainTimeout: 50 * time.Millisecond,
		Logger:       testLogger(),
	}

	aborted := coordinator.Shutdown(context.Background())
	assert.Equal(t, 1, aborted)
	assert.True(t, publisher.closed.Load())

	info, ok := h.registry.Get(1)
	require.True(t, ok)
	assert.Equal(t, session.StateFailed, info.State)
	assert.Equal(t, session.StageAborted, info.FailedStage)
	assert.Equal(t, 0, h.registry.ActiveCount())
}

func TestShutdownDrainsFinishedSessions(t *testing.T) {
	h := newHarness(t, 2, false, nil)

	sendAndClose(t, h.dial(t), []byte("short clip"))
	require.Eventually(t, func() bool { return h.registry.Stats().Finished == 1 }, 5*time.Second, 10*time.Millisecond)

	coordinator := &ShutdownCoordinator{
		TCP:          h.tcp,
		Pool:         h.pool,
		Registry:     h.registry,
		DrainTimeout: time.Second,
		Logger:       testLogger(),
	}
	assert.Equal(t, 0, coordinator.Shutdown(context.Background()))

	_, err := h.pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, worker.ErrPoolClosed)
}

func TestSessionTaskSkipsWorkAfterShutdown(t *testing.T) {
	var called atomic.Bool
	handler := func(ctx context.Context, s *session.Session, conn net.Conn) error {
		called.Store(true)
		return nil
	}
	h := newHarness(t, 1, false, handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	server, client := net.Pipe()
	defer client.Close()
	sess := session.New(42, "pipe", h.dir+"/x.raw", time.Now())
	h.registry.Add(sess)

	err := h.tcp.sessionTask(sess, server)(ctx)
	assert.True(t, errors.Is(err, errNotStarted))
	assert.False(t, called.Load())
	assert.Equal(t, session.StateFailed, sess.State())
	assert.Equal(t, session.StageAborted, sess.Failure().Stage)
}

func newTestHTTPServer(t *testing.T, h *harness, cfg *config.Config) *httptest.Server {
	t.Helper()
	api := NewHTTPServer(cfg.HTTP, HTTPDeps{
		Config:       cfg,
		Registry:     h.registry,
		TCP:          h.tcp,
		Capabilities: pipeline.Capabilities{Encoding: true},
		Metrics:      h.metrics,
		Gatherer:     h.reg,
	}, testLogger())

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTPMonitoringEndpoints(t *testing.T) {
	h := newHarness(t, 1, false, nil)
	sendAndClose(t, h.dial(t), []byte("monitored"))
	require.Eventually(t, func() bool { return h.registry.Stats().Finished == 1 }, 5*time.Second, 10*time.Millisecond)

	cfg := config.Default()
	cfg.Transcription.APIKey = "sk-secret"
	cfg.MQTT.Password = "hunter2"
	srv := newTestHTTPServer(t, h, cfg)

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &health))
	assert.Equal(t, "healthy", health["status"])

	var list struct {
		Sessions []session.Info `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sessions", &list))
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, uint64(1), list.Sessions[0].ID)

	var detail map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/sessions/1", &detail))
	assert.Equal(t, "completed", detail["state"])
	assert.EqualValues(t, len("monitored"), detail["bytes_received"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/sessions/99", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/sessions/abc", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/nope", nil))

	var redacted config.Config
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/config", &redacted))
	assert.Equal(t, "REDACTED", redacted.Transcription.APIKey)
	assert.Equal(t, "REDACTED", redacted.MQTT.Password)

	var stats map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/stats", &stats))
	assert.Contains(t, stats, "sessions")
	assert.Contains(t, stats, "tcp")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "audio_ingest_connections_accepted_total 1")
	assert.Contains(t, string(body), "audio_ingest_http_requests_total")

	resp, err = http.Post(srv.URL+"/sessions", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
