// Package protocol defines the JSON messages exchanged with chat clients
// over the websocket transport. Inbound messages are flat objects keyed by
// "type"; outbound events wrap their payload in a "data" object.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeUserMessage        = "user_message"
	TypePermissionResponse = "permission_response"
	TypeCancelRequest      = "cancel_request"

	// Synthetic types pushed by the transport reader itself.
	TypeDisconnect  = "__disconnect__"
	TypeReaderError = "__error__"
)

// Outbound event types.
const (
	TypeInit               = "init"
	TypeSessionCreated     = "session_created"
	TypeSessionTitleUpdate = "session_title_update"
	TypeSessionHistory     = "session_history"
	TypeActivityHistory    = "activity_history"
	TypeAssistantText      = "assistant_text"
	TypeToolUse            = "tool_use"
	TypeAgentActivity      = "agent_activity"
	TypeAgentNotification  = "agent_notification"
	TypePermissionRequest  = "permission_request"
	TypePermissionTimeout  = "permission_timeout"
	TypeResult             = "result"
	TypeCancelConfirmed    = "cancel_confirmed"
	TypeRegistryUpdate     = "registry_update"
	TypeError              = "error"
)

// Inbound is a client-to-server message. Which fields are set depends on
// Type; unknown fields are ignored so older clients keep working.
type Inbound struct {
	Type string `json:"type"`

	// user_message
	Content       string   `json:"content,omitempty"`
	FileRefs      []string `json:"file_refs,omitempty"`
	FolderContext *string  `json:"folder_context,omitempty"`

	// permission_response
	ID        string `json:"id,omitempty"`
	Decision  string `json:"decision,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	AgentName string `json:"agent_name,omitempty"`

	// __error__
	Error string `json:"error,omitempty"`
}

// Outbound is a server-to-client event.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type InitData struct {
	SessionID string `json:"session_id,omitempty"`
}

type SessionCreatedData struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

type SessionTitleUpdateData struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

type AssistantTextData struct {
	Text      string `json:"text"`
	Streaming bool   `json:"streaming,omitempty"`
	Final     bool   `json:"final,omitempty"`
}

type ToolUseData struct {
	Tool  string `json:"tool"`
	Input string `json:"input"`
}

type AgentActivityData struct {
	Event        string `json:"event"`
	AgentID      string `json:"agent_id"`
	AgentType    string `json:"agent_type"`
	ParentAgent  string `json:"parent_agent"`
	IsTeamMember bool   `json:"is_team_member"`
}

type AgentNotificationData struct {
	Message          string `json:"message"`
	Title            string `json:"title"`
	NotificationType string `json:"notification_type"`
}

type PermissionRequestData struct {
	ID        string            `json:"id"`
	ToolName  string            `json:"tool_name"`
	ToolInput map[string]string `json:"tool_input"`
	AgentName string            `json:"agent_name"`
	ModelTier string            `json:"model_tier"`
}

type PermissionTimeoutData struct {
	ID string `json:"id"`
}

type ResultData struct {
	SessionID    string  `json:"session_id,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	IsError      bool    `json:"is_error"`
}

type CancelConfirmedData struct {
	Message string `json:"message"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// DecodeInbound parses a raw transport frame.
func DecodeInbound(raw []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decode inbound: %w", err)
	}
	if msg.Type == "" {
		return Inbound{}, fmt.Errorf("inbound message missing type")
	}
	return msg, nil
}

// EncodeOutbound marshals an event for the transport.
func EncodeOutbound(event Outbound) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event.Type, err)
	}
	return data, nil
}
