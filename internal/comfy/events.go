package comfy

import (
	"encoding/json"
	"fmt"
)

// EventKind enumerates the recognized event types on the engine's stream.
// Anything else decodes to EventUnknown and is ignored by the monitor.
type EventKind string

const (
	EventUnknown        EventKind = ""
	EventExecuting      EventKind = "executing"
	EventExecutionEnd   EventKind = "execution_end"
	EventProgressState  EventKind = "progress_state"
	EventExecutionError EventKind = "execution_error"
)

// NodeProgress is one node's entry in a progress_state event.
type NodeProgress struct {
	State string `json:"state"`
}

// Event is the decoded form of one stream message. Fields are populated
// according to Kind; the zero value means "not recognized".
type Event struct {
	Kind     EventKind
	PromptID string

	// EventExecuting: the node now running, empty when the whole prompt
	// has finished.
	Node string

	// EventProgressState: per-node states.
	Nodes map[string]NodeProgress

	// EventExecutionError details.
	NodeType         string
	NodeID           string
	ExceptionMessage string
}

type wireEvent struct {
	Type string `json:"type"`
	Data struct {
		PromptID         string                  `json:"prompt_id"`
		Node             *string                 `json:"node"`
		Nodes            map[string]NodeProgress `json:"nodes"`
		NodeType         string                  `json:"node_type"`
		NodeID           string                  `json:"node_id"`
		ExceptionMessage string                  `json:"exception_message"`
	} `json:"data"`
}

// ParseEvent decodes one stream message into an Event. Unrecognized types
// return an Event with Kind EventUnknown and no error; malformed JSON is an
// error.
func ParseEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	ev := Event{PromptID: w.Data.PromptID}
	switch EventKind(w.Type) {
	case EventExecuting:
		ev.Kind = EventExecuting
		if w.Data.Node != nil {
			ev.Node = *w.Data.Node
		}
	case EventExecutionEnd:
		ev.Kind = EventExecutionEnd
	case EventProgressState:
		ev.Kind = EventProgressState
		ev.Nodes = w.Data.Nodes
	case EventExecutionError:
		ev.Kind = EventExecutionError
		ev.NodeType = w.Data.NodeType
		ev.NodeID = w.Data.NodeID
		ev.ExceptionMessage = w.Data.ExceptionMessage
	default:
		ev.Kind = EventUnknown
	}
	return ev, nil
}

// Signal classifies what the event means for the given prompt. Events for
// other prompts and heartbeat traffic yield SignalNone. Either an executing
// event with an empty node, an execution_end event, or a progress_state
// event with every node finished is sufficient for completion; none of the
// three is required.
type Signal int

const (
	SignalNone Signal = iota
	SignalCompleted
	SignalFailed
)

// Signal evaluates the event against promptID and returns the derived
// signal, plus structured error detail when the signal is SignalFailed.
func (e Event) Signal(promptID string) (Signal, *ExecutionError) {
	if e.PromptID != promptID {
		return SignalNone, nil
	}

	switch e.Kind {
	case EventExecuting:
		if e.Node == "" {
			return SignalCompleted, nil
		}
	case EventExecutionEnd:
		return SignalCompleted, nil
	case EventProgressState:
		if len(e.Nodes) == 0 {
			return SignalNone, nil
		}
		for _, node := range e.Nodes {
			if node.State != "finished" {
				return SignalNone, nil
			}
		}
		return SignalCompleted, nil
	case EventExecutionError:
		return SignalFailed, &ExecutionError{
			NodeType: e.NodeType,
			NodeID:   e.NodeID,
			Message:  e.ExceptionMessage,
		}
	}
	return SignalNone, nil
}
