package comfy

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryNotFound is returned when neither the stream nor polling
	// could locate an execution record within the retry budget.
	ErrHistoryNotFound = errors.New("no history found")

	// ErrStreamUnavailable is returned when the event stream could not be
	// kept open within the reconnect budget.
	ErrStreamUnavailable = errors.New("websocket connection lost")
)

// ExecutionError is a node-level failure reported by the engine. It is
// fatal and surfaced verbatim to the caller.
type ExecutionError struct {
	NodeType string
	NodeID   string
	Message  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf(
		"workflow execution error: Node Type: %s, Node ID: %s, Message: %s",
		e.NodeType, e.NodeID, e.Message,
	)
}
