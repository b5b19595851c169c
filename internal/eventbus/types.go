package eventbus

import "time"

// Stream names used by the session layer.
const (
	StreamActivity      = "activity"
	StreamNotifications = "notifications"
	StreamSessions      = "sessions"
)

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	SessionID string         `json:"session_id"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventInput struct {
	Stream    string
	SessionID string
	Subject   string
	Body      string
	Payload   map[string]any
}

type ListOptions struct {
	SessionID string
	Limit     int
	Order     string
}
