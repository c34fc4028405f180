package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/preloader/internal/events"
	"github.com/aristath/preloader/internal/scheduler"
)

func newTestServer(t *testing.T) (*events.EventBus, *scheduler.Loader, *httptest.Server) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	loader := scheduler.New(scheduler.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, loader.RegisterTask("users", "Users", 0, nil, nil))
	require.NoError(t, loader.RegisterTask("teams", "Teams", 0, []string{"users"}, nil))

	srv := httptest.NewServer(NewServer(bus, loader, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler())
	t.Cleanup(srv.Close)
	return bus, loader, srv
}

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestStatusReturnsReport(t *testing.T) {
	_, loader, srv := newTestServer(t)

	_, err := loader.Start(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report scheduler.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.True(t, report.Done)
	assert.Equal(t, []string{"users", "teams"}, report.Completed)
}

func TestHealthz(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestEventsStreamsSnapshotThenEvents(t *testing.T) {
	bus, _, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first rawFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, FrameSnapshot, first.Type)

	var snapshot scheduler.Report
	require.NoError(t, json.Unmarshal(first.Data, &snapshot))
	assert.Equal(t, 2, snapshot.Total)
	assert.Equal(t, []string{"users", "teams"}, snapshot.Pending)

	bus.Publish(events.TopicTask, events.TaskStartedEvent{ID: "users", Label: "Users"})
	bus.Publish(events.TopicRun, events.ProgressEvent{ID: "users", Completed: 1, Total: 2})

	var started rawFrame
	require.NoError(t, conn.ReadJSON(&started))
	assert.Equal(t, events.EventTypeTaskStarted, started.Type)
	var ev events.TaskStartedEvent
	require.NoError(t, json.Unmarshal(started.Data, &ev))
	assert.Equal(t, "users", ev.ID)

	var progress rawFrame
	require.NoError(t, conn.ReadJSON(&progress))
	assert.Equal(t, events.EventTypeRunProgress, progress.Type)
}

func TestEventsClosesWhenBusCloses(t *testing.T) {
	bus, _, srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first rawFrame
	require.NoError(t, conn.ReadJSON(&first))

	bus.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	s := NewServer(bus, scheduler.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServeEndsStreamsOnCancel(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	s := NewServer(bus, scheduler.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first rawFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, FrameSnapshot, first.Type)

	// The bus stays open: only the server's context ends the stream.
	cancel()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
