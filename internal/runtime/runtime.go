// Package runtime defines the contract between the session layer and the
// agent execution engine. The engine treats the runtime as opaque: submit a
// turn, consume a stream of typed events, optionally intercept tool
// permission decisions, optionally tear the connection down mid-turn.
package runtime

import "context"

type EventKind string

const (
	EventTextDelta    EventKind = "text_delta"
	EventTextFinal    EventKind = "text_final"
	EventToolUse      EventKind = "tool_use"
	EventAgentStarted EventKind = "agent_started"
	EventAgentStopped EventKind = "agent_stopped"
	EventNotification EventKind = "notification"
	EventResult       EventKind = "result"
)

// Event is the tagged union emitted while a turn runs. Kind selects which of
// the other fields are meaningful. Within one turn, deltas for a text block
// precede its final block, and a result event is always last when the turn
// completes normally.
type Event struct {
	Kind EventKind

	// text_delta, text_final
	Text string

	// tool_use
	Tool      string
	ToolInput string

	// agent_started, agent_stopped
	Agent AgentInfo

	// notification
	Note Notification

	// result
	Result Result
}

type AgentInfo struct {
	AgentID     string
	AgentType   string
	ParentAgent string
}

type Notification struct {
	Message string
	Title   string
	Type    string
}

type Result struct {
	SessionID    string
	TotalCostUSD float64
	DurationMS   int64
	NumTurns     int
	IsError      bool
}

// Decision is the outcome of a tool permission check.
type Decision struct {
	Allow  bool
	Reason string
}

func Allow() Decision             { return Decision{Allow: true} }
func Deny(reason string) Decision { return Decision{Reason: reason} }

// PermissionFunc is consulted before each tool invocation. A nil func means
// the caller runs pre-sandboxed and everything is allowed.
type PermissionFunc func(ctx context.Context, toolName string, toolInput map[string]any) Decision

// Hooks receives nested-agent lifecycle callbacks during a turn. The
// signatures return nothing: a hook can never abort the turn.
type Hooks interface {
	OnAgentStarted(info AgentInfo)
	OnAgentStopped(info AgentInfo)
	OnNotification(note Notification)
}

// AgentDefinition describes a nested agent available for delegation.
type AgentDefinition struct {
	Name   string
	Role   string
	Model  string
	Prompt string
	Tools  []string
}

// Options configures one runtime connection. The connection owns no session
// state beyond what is listed here; replacing the connection replaces it all.
type Options struct {
	Model           string
	SystemPrompt    string
	WorkingDir      string
	ResumeSessionID string
	Agents          []AgentDefinition
	Permission      PermissionFunc
	Hooks           Hooks
}

// Conn is one live runtime connection. Only one Submit may be in flight at a
// time; Close aborts any in-flight work provider-side, not just locally.
type Conn interface {
	// Submit starts a turn and returns its event stream. The channel is
	// closed after the final event. A mid-stream failure is reported by a
	// result event with IsError set, followed by Err.
	Submit(ctx context.Context, content string) (<-chan Event, error)

	// Err reports the terminal error of the most recently finished turn.
	Err() error

	// SessionID reports the provider-side session identifier once known.
	SessionID() string

	Close() error
}

// Runtime creates connections.
type Runtime interface {
	Connect(ctx context.Context, opts Options) (Conn, error)
}
