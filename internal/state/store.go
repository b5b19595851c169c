package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flitsinc/go-sessions/internal/idgen"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type Session struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	RuntimeSessionID string    `json:"runtime_session_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	AgentName string         `json:"agent_name,omitempty"`
	Content   string         `json:"content"`
	CostUSD   float64        `json:"cost_usd"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Embedding []float32      `json:"-"`
	CreatedAt time.Time      `json:"created_at"`
}

type MessageInput struct {
	SessionID string
	Role      string
	AgentName string
	Content   string
	CostUSD   float64
	Metadata  map[string]any
	Embedding []float32
}

type PermissionDecision struct {
	SessionID string
	AgentName string
	ToolName  string
	ToolInput map[string]string
	Decision  string
}

func (s *Store) CreateSession(ctx context.Context, title string) (Session, error) {
	if title == "" {
		title = "New Chat"
	}
	id := idgen.New()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return Session{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	var runtimeID sql.NullString
	var createdAtStr, updatedAtStr string
	err := s.db.QueryRowContext(ctx, `SELECT id, title, runtime_session_id, created_at, updated_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Title, &runtimeID, &createdAtStr, &updatedAtStr)
	if err == sql.ErrNoRows {
		return Session{}, fmt.Errorf("session %s not found", id)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.RuntimeSessionID = runtimeID.String
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, runtime_session_id, created_at, updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var runtimeID sql.NullString
		var createdAtStr, updatedAtStr string
		if err := rows.Scan(&sess.ID, &sess.Title, &runtimeID, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.RuntimeSessionID = runtimeID.String
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`, title, now, id)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (s *Store) UpdateSessionRuntimeID(ctx context.Context, id, runtimeSessionID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET runtime_session_id = ?, updated_at = ? WHERE id = ?`, runtimeSessionID, now, id)
	if err != nil {
		return fmt.Errorf("update session runtime id: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) SaveMessage(ctx context.Context, input MessageInput) (Message, error) {
	if input.SessionID == "" {
		return Message{}, fmt.Errorf("session id is required")
	}
	if input.Role == "" {
		return Message{}, fmt.Errorf("role is required")
	}
	id := idgen.New()
	now := time.Now().UTC()
	metadataJSON, err := encodeJSON(input.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("encode metadata: %w", err)
	}
	embeddingJSON := ""
	if len(input.Embedding) > 0 {
		data, err := json.Marshal(input.Embedding)
		if err != nil {
			return Message{}, fmt.Errorf("encode embedding: %w", err)
		}
		embeddingJSON = string(data)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO messages (id, session_id, role, agent_name, content, cost_usd, metadata, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, input.SessionID, input.Role, nullString(input.AgentName), input.Content, input.CostUSD, nullString(metadataJSON), nullString(embeddingJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	// Keep the session's updated_at fresh so listings sort by activity.
	_, _ = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now.Format(time.RFC3339Nano), input.SessionID)
	return Message{
		ID:        id,
		SessionID: input.SessionID,
		Role:      input.Role,
		AgentName: input.AgentName,
		Content:   input.Content,
		CostUSD:   input.CostUSD,
		Metadata:  input.Metadata,
		CreatedAt: now,
	}, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, role, agent_name, content, cost_usd, metadata, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var agentName, metadataStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &agentName, &msg.Content, &msg.CostUSD, &metadataStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.AgentName = agentName.String
		msg.Metadata = decodeJSONMap(metadataStr.String)
		msg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) SavePermissionDecision(ctx context.Context, input PermissionDecision) error {
	if input.ToolName == "" {
		return fmt.Errorf("tool name is required")
	}
	id := idgen.New()
	now := time.Now().UTC()
	toolInputJSON, err := encodeJSON(input.ToolInput)
	if err != nil {
		return fmt.Errorf("encode tool input: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO permission_decisions (id, session_id, agent_name, tool_name, tool_input, decision, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, nullString(input.SessionID), nullString(input.AgentName), input.ToolName, nullString(toolInputJSON), input.Decision, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert permission decision: %w", err)
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
