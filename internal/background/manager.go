// Package background runs headless sessions: one-shot prompts executed with
// no client transport attached. Permission checks are bypassed for these
// runs, so they are expected to operate inside a pre-sandboxed working
// directory, and each run is bounded by a hard timeout.
package background

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/idgen"
	"github.com/flitsinc/go-sessions/internal/protocol"
	"github.com/flitsinc/go-sessions/internal/registry"
	"github.com/flitsinc/go-sessions/internal/runtime"
	"github.com/flitsinc/go-sessions/internal/session"
	"github.com/flitsinc/go-sessions/internal/state"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Run struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Agent     string    `json:"agent,omitempty"`
	Status    Status    `json:"status"`
	SessionID string    `json:"session_id,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Spec struct {
	Prompt string `json:"prompt"`
	Agent  string `json:"agent,omitempty"`
}

type Manager struct {
	db         *sql.DB
	store      *state.Store
	bus        *eventbus.Bus
	rt         runtime.Runtime
	reg        registry.Registry
	workingDir string
	model      string
	timeout    time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewManager(db *sql.DB, store *state.Store, bus *eventbus.Bus, rt runtime.Runtime, reg registry.Registry, workingDir, model string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Manager{
		db:         db,
		store:      store,
		bus:        bus,
		rt:         rt,
		reg:        reg,
		workingDir: workingDir,
		model:      model,
		timeout:    timeout,
		cancels:    map[string]context.CancelFunc{},
	}
}

// Spawn records the run and starts executing it in the background.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (Run, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return Run{}, fmt.Errorf("prompt is required")
	}
	if spec.Agent != "" && !m.agentExists(spec.Agent) {
		return Run{}, fmt.Errorf("unknown agent %q", spec.Agent)
	}

	id := idgen.RunID(m.db, "run")
	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `INSERT INTO runs (id, prompt, agent, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, spec.Prompt, spec.Agent, string(StatusQueued), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), m.timeout)
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()

	go m.execute(runCtx, id, spec)

	return Run{ID: id, Prompt: spec.Prompt, Agent: spec.Agent, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}, nil
}

func (m *Manager) execute(ctx context.Context, id string, spec Spec) {
	defer func() {
		m.mu.Lock()
		if cancel, ok := m.cancels[id]; ok {
			cancel()
			delete(m.cancels, id)
		}
		m.mu.Unlock()
	}()

	m.setStatus(ctx, id, StatusRunning, "", "")

	engine := session.New(session.Deps{
		Runtime:    m.rt,
		Store:      m.store,
		Bus:        m.bus,
		Registry:   m.runRegistry(spec.Agent),
		WorkingDir: m.workingDir,
		Model:      m.model,
	})
	defer engine.Close()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		m.finish(id, StatusFailed, "", "", err.Error())
		return
	}

	turnErr := engine.RunTurn(ctx, protocol.Inbound{Type: protocol.TypeUserMessage, Content: spec.Prompt})
	sessionID := engine.SessionID()
	result := m.lastAssistantText(sessionID)

	switch {
	case ctx.Err() != nil:
		// Timed out or cancelled. The stream may have ended cleanly from
		// the engine's perspective, so check the context first; the partial
		// response, if any, is already persisted under the session.
		m.finish(id, StatusCancelled, sessionID, result, ctx.Err().Error())
	case turnErr == nil:
		m.finish(id, StatusCompleted, sessionID, result, "")
	default:
		m.finish(id, StatusFailed, sessionID, result, turnErr.Error())
	}
}

// Cancel aborts a queued or running run.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s is not active", id)
	}
	cancel()
	return nil
}

func (m *Manager) Get(ctx context.Context, id string) (Run, error) {
	row := m.db.QueryRowContext(ctx, `SELECT id, prompt, agent, status, session_id, result, error, created_at, updated_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (m *Manager) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id, prompt, agent, status, session_id, result, error, created_at, updated_at FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// runRegistry narrows the agent registry when a run targets one specific
// agent: that agent becomes the orchestrator and delegation is disabled.
func (m *Manager) runRegistry(agentName string) registry.Registry {
	if agentName == "" {
		return m.reg
	}
	for _, a := range m.reg.Agents {
		if strings.EqualFold(a.Name, agentName) {
			return registry.Registry{Orchestrator: a, ConcurrencyCap: m.reg.ConcurrencyCap}
		}
	}
	return m.reg
}

func (m *Manager) agentExists(name string) bool {
	for _, a := range m.reg.Agents {
		if strings.EqualFold(a.Name, name) {
			return true
		}
	}
	return false
}

func (m *Manager) lastAssistantText(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return ""
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content
		}
	}
	return ""
}

func (m *Manager) setStatus(ctx context.Context, id string, status Status, result, errMsg string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := m.db.ExecContext(ctx, `UPDATE runs SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), result, errMsg, now, id)
	if err != nil {
		log.Printf("run %s: update status: %v", id, err)
	}
}

// finish records the terminal state. Uses a fresh context: the run context
// may already be cancelled, and the outcome must be written regardless.
func (m *Manager) finish(id string, status Status, sessionID, result, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := m.db.ExecContext(ctx, `UPDATE runs SET status = ?, session_id = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullable(sessionID), result, errMsg, now, id)
	if err != nil {
		log.Printf("run %s: finish: %v", id, err)
	}
	if m.bus != nil && sessionID != "" {
		if _, err := m.bus.Push(ctx, eventbus.EventInput{
			Stream:    eventbus.StreamSessions,
			SessionID: sessionID,
			Subject:   id,
			Body:      "background run " + string(status),
		}); err != nil {
			log.Printf("run %s: publish outcome: %v", id, err)
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var status, createdAtStr, updatedAtStr string
	var agent, sessionID, result, errMsg sql.NullString
	if err := row.Scan(&run.ID, &run.Prompt, &agent, &status, &sessionID, &result, &errMsg, &createdAtStr, &updatedAtStr); err != nil {
		return Run{}, err
	}
	run.Agent = agent.String
	run.Status = Status(status)
	run.SessionID = sessionID.String
	run.Result = result.String
	run.Error = errMsg.String
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return run, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
