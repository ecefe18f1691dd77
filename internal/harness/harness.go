// Package harness abstracts the agent backend that runs one stage's prompt.
//
// The pipeline opens a session per stage, sends the stage prompt, and
// drains the returned event stream until a Done or Error event. Retry
// policy, if any, belongs to the Harness implementation.
package harness

import (
	"context"
	"fmt"
)

// EventKind classifies a stream event.
type EventKind int

const (
	EventText EventKind = iota
	EventToolCall
	EventToolResult
	EventSubagentSpawn
	EventError
	EventDone
)

// String returns the kind name.
func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventToolCall:
		return "tool_call"
	case EventToolResult:
		return "tool_result"
	case EventSubagentSpawn:
		return "subagent_spawn"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item of a session's output stream.
type Event struct {
	Kind EventKind
	// Text is the assistant text for EventText, and a summary for the
	// tool and subagent kinds.
	Text string
	// Tool names the tool for EventToolCall and EventSubagentSpawn.
	Tool string
	// Err is set for EventError.
	Err error
}

// Text builds a text event.
func Text(s string) Event { return Event{Kind: EventText, Text: s} }

// Done builds the terminating success event.
func Done() Event { return Event{Kind: EventDone} }

// Error builds the terminating failure event.
func Error(err error) Event { return Event{Kind: EventError, Err: err} }

// SessionConfig scopes a session to one stage.
type SessionConfig struct {
	Workflow string
	RunID    string
	Stage    string
	Model    string
	WorkDir  string
}

// SessionHandle identifies an open session.
type SessionHandle struct {
	ID    string
	Stage string
	Model string
}

// Harness runs agent sessions.
type Harness interface {
	StartSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
	// Send delivers a prompt and returns the session's event stream. Unless
	// ctx ends first, the stream ends with exactly one Done or Error event
	// and is then closed.
	Send(ctx context.Context, s SessionHandle, prompt string) (<-chan Event, error)
	CloseSession(ctx context.Context, s SessionHandle) error
}
