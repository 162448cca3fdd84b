package comfy

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{}

// streamServer runs an event-stream double that feeds each accepted
// connection through script, then keeps the connection open until the
// test finishes.
func streamServer(t *testing.T, script func(conn *websocket.Conn, session int)) *httptest.Server {
	t.Helper()
	var sessions atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			return
		}
		if r.URL.Query().Get("clientId") == "" {
			t.Errorf("missing clientId query parameter")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		script(conn, int(sessions.Add(1)))
		// Hold the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testMonitor(ts *httptest.Server, attempts int) *StreamMonitor {
	return NewStreamMonitor(StreamConfig{
		URL: func(clientID string) string {
			return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?clientId=" + clientID
		},
		ReconnectAttempts: attempts,
		ReconnectDelay:    time.Millisecond,
		Logger:            zerolog.Nop(),
	})
}

func TestWatchExecutingNullCompletes(t *testing.T) {
	ts := streamServer(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"prompt_id":"p1","node":"5"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"prompt_id":"p1","node":null}}`))
	})

	res, err := testMonitor(ts, 2).Watch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("expected StateCompleted, got %v", res.State)
	}
}

func TestWatchIgnoresOtherPromptsAndBinaryFrames(t *testing.T) {
	ts := streamServer(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"prompt_id":"other","node":null}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"crystools.monitor","data":{"gpu":1}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"execution_end","data":{"prompt_id":"p1"}}`))
	})

	res, err := testMonitor(ts, 2).Watch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("expected completion from execution_end, got %v", res.State)
	}
}

func TestWatchExecutionErrorFails(t *testing.T) {
	ts := streamServer(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"execution_error","data":{"prompt_id":"p1","node_type":"KSampler","node_id":"3","exception_message":"CUDA out of memory"}}`))
	})

	res, err := testMonitor(ts, 2).Watch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("expected StateFailed, got %v", res.State)
	}
	if res.ExecErr == nil || res.ExecErr.NodeType != "KSampler" {
		t.Fatalf("expected structured execution error, got %+v", res.ExecErr)
	}
}

func TestWatchProgressStateCompletes(t *testing.T) {
	ts := streamServer(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress_state","data":{"prompt_id":"p1","nodes":{"1":{"state":"running"}}}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress_state","data":{"prompt_id":"p1","nodes":{"1":{"state":"finished"}}}}`))
	})

	res, err := testMonitor(ts, 2).Watch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("expected StateCompleted, got %v", res.State)
	}
}

func TestWatchReconnectsAfterDrop(t *testing.T) {
	ts := streamServer(t, func(conn *websocket.Conn, session int) {
		if session == 1 {
			// Drop the first connection mid-stream.
			conn.Close()
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"execution_end","data":{"prompt_id":"p1"}}`))
	})

	res, err := testMonitor(ts, 3).Watch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	if res.State != StateCompleted {
		t.Fatalf("expected completion after reconnect, got %v", res.State)
	}
}

func TestWatchReconnectBudgetExhausted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Refuse the upgrade so every dial fails.
		http.Error(w, "no stream", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	res, err := testMonitor(ts, 2).Watch(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}
	if res.State != StateStreamUnavailable {
		t.Fatalf("expected StateStreamUnavailable, got %v", res.State)
	}
}

func TestWatchCancelDuringConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// Cancel the moment the server accepts, racing the watchdog against
	// connection handoff. Watch must still return promptly.
	ts := streamServer(t, func(conn *websocket.Conn, _ int) {
		cancel()
	})

	done := make(chan error, 1)
	go func() {
		_, err := testMonitor(ts, 2).Watch(ctx, "p1")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Watch did not return after cancellation")
	}
}

func TestWatchContextCancelled(t *testing.T) {
	ts := streamServer(t, func(conn *websocket.Conn, _ int) {
		// Say nothing; the watcher must not treat an idle stream as an
		// error and should only return when the caller cancels.
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := testMonitor(ts, 2).Watch(ctx, "p1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
