package comfy

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// TerminalState is the outcome of watching one prompt on the event stream.
type TerminalState int

const (
	// StateCompleted means the stream reported the prompt finished. The
	// caller must still fetch the execution record; events signal that
	// something finished, not what was produced.
	StateCompleted TerminalState = iota

	// StateFailed means the engine reported a node-level execution error.
	StateFailed

	// StateStreamUnavailable means the stream could not be kept open
	// within the reconnect budget. The caller falls back to polling.
	StateStreamUnavailable
)

func (s TerminalState) String() string {
	switch s {
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateStreamUnavailable:
		return "stream_unavailable"
	}
	return "unknown"
}

// WatchResult carries the terminal state and, for StateFailed, the
// structured engine error.
type WatchResult struct {
	State   TerminalState
	ExecErr *ExecutionError
}

// StreamConfig configures a StreamMonitor.
type StreamConfig struct {
	// URL builds the stream endpoint for a session client identifier.
	// Typically Client.WebsocketURL.
	URL func(clientID string) string

	ReconnectAttempts int
	ReconnectDelay    time.Duration

	Logger    zerolog.Logger
	DebugFile string
	Dialer    *websocket.Dialer
}

// StreamMonitor consumes the engine's event stream for a single prompt and
// reduces it to one terminal state, reconnecting on connection loss up to a
// configured attempt ceiling. An idle stream is not an error; receives
// block until an event arrives, the connection drops, or ctx is cancelled.
type StreamMonitor struct {
	url               func(clientID string) string
	reconnectAttempts int
	reconnectDelay    time.Duration
	log               zerolog.Logger
	debugFile         string
	dialer            *websocket.Dialer
}

// NewStreamMonitor builds a StreamMonitor, applying engine defaults for
// unset budgets.
func NewStreamMonitor(cfg StreamConfig) *StreamMonitor {
	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &StreamMonitor{
		url:               cfg.URL,
		reconnectAttempts: attempts,
		reconnectDelay:    delay,
		log:               cfg.Logger,
		debugFile:         cfg.DebugFile,
		dialer:            dialer,
	}
}

// Watch blocks until the prompt reaches a terminal state on the stream. A
// new client identifier is generated for every connection attempt. Watch
// returns an error only when ctx is cancelled.
func (m *StreamMonitor) Watch(ctx context.Context, promptID string) (WatchResult, error) {
	var (
		mu   sync.Mutex
		conn *websocket.Conn
	)
	setConn := func(c *websocket.Conn) {
		mu.Lock()
		if conn != nil {
			conn.Close()
		}
		conn = c
		mu.Unlock()
	}
	defer setConn(nil)

	// Unblock a pending receive when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			setConn(nil)
		case <-done:
		}
	}()

	c, err := m.connect(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("websocket connect failed, attempting to reconnect")
		c, err = m.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return WatchResult{}, ctx.Err()
			}
			return WatchResult{State: StateStreamUnavailable}, nil
		}
	}
	setConn(c)
	// The watchdog may have fired between the dial and setConn; the
	// deferred setConn(nil) closes c on this return.
	if ctx.Err() != nil {
		return WatchResult{}, ctx.Err()
	}

	m.log.Info().Str("prompt_id", promptID).Msg("connected to ComfyUI websocket")

	for {
		msgType, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return WatchResult{}, ctx.Err()
			}

			m.log.Warn().Err(err).Msg("websocket connection closed, attempting to reconnect")
			c, err = m.reconnect(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return WatchResult{}, ctx.Err()
				}
				return WatchResult{State: StateStreamUnavailable}, nil
			}
			setConn(c)
			if ctx.Err() != nil {
				return WatchResult{}, ctx.Err()
			}
			continue
		}

		if msgType != websocket.TextMessage {
			// Binary frames carry preview data, not lifecycle events.
			continue
		}

		m.debugLog(message)

		ev, err := ParseEvent(message)
		if err != nil {
			m.log.Debug().Err(err).Msg("ignoring undecodable stream message")
			continue
		}

		switch sig, execErr := ev.Signal(promptID); sig {
		case SignalCompleted:
			m.log.Info().Str("prompt_id", promptID).Msg("workflow completed")
			return WatchResult{State: StateCompleted}, nil
		case SignalFailed:
			m.log.Error().Str("prompt_id", promptID).Str("node_id", execErr.NodeID).Msg("workflow execution error")
			return WatchResult{State: StateFailed, ExecErr: execErr}, nil
		default:
			if ev.Kind == EventExecuting && ev.PromptID == promptID {
				m.log.Debug().Str("node", ev.Node).Msg("executing node")
			}
		}
	}
}

// connect dials the stream once with a fresh session client identifier.
func (m *StreamMonitor) connect(ctx context.Context) (*websocket.Conn, error) {
	clientID := uuid.NewString()
	conn, resp, err := m.dialer.DialContext(ctx, m.url(clientID), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return conn, nil
}

// reconnect attempts re-establishment up to the configured ceiling with a
// fixed delay between attempts. Failed attempts are logged, not raised,
// until the budget is exhausted.
func (m *StreamMonitor) reconnect(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 0; attempt < m.reconnectAttempts; attempt++ {
		wsReconnectsTotal.Inc()
		conn, err := m.connect(ctx)
		if err == nil {
			m.log.Info().Msg("websocket reconnected successfully")
			return conn, nil
		}
		m.log.Error().Err(err).Int("attempt", attempt+1).Msg("failed to reconnect websocket")

		select {
		case <-time.After(m.reconnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrStreamUnavailable, m.reconnectAttempts)
}

// debugLog appends the raw frame to the configured debug file, best effort.
func (m *StreamMonitor) debugLog(message []byte) {
	if m.debugFile == "" {
		return
	}
	f, err := os.OpenFile(m.debugFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to write websocket debug log")
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s | %s\n", time.Now().UTC().Format(time.RFC3339), message)
}
