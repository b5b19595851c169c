// Package session implements the protocol engine that owns one conversation:
// it drives one turn at a time through the agent runtime, keeps the transport
// responsive to control messages while a turn streams, and supervises
// cancellation, disconnects, and context-overflow recovery.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/flitsinc/go-sessions/internal/embeddings"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/protocol"
	"github.com/flitsinc/go-sessions/internal/registry"
	"github.com/flitsinc/go-sessions/internal/runtime"
	"github.com/flitsinc/go-sessions/internal/state"
)

const (
	controlPollInterval = 100 * time.Millisecond
	sendTimeout         = 5 * time.Second
	autoTitleLimit      = 40
)

// Deps wires the engine to its collaborators. Transport may be nil for
// headless execution, in which case permission checks are bypassed and no
// client events are emitted.
type Deps struct {
	Runtime           runtime.Runtime
	Store             *state.Store
	Bus               *eventbus.Bus
	Embedder          *embeddings.Client
	Registry          registry.Registry
	Transport         Transport
	WorkingDir        string
	Model             string
	PermissionTimeout time.Duration
}

// Engine owns one session. All state transitions happen on the dispatch
// goroutine; the in-turn control processor only touches the negotiator and
// a couple of flags guarded by mu.
type Engine struct {
	runtime    runtime.Runtime
	store      *state.Store
	bus        *eventbus.Bus
	embedder   *embeddings.Client
	reg        registry.Registry
	transport  Transport
	workingDir string
	model      string

	router     *Router
	negotiator *Negotiator
	bridge     *ActivityBridge
	volatile   *VolatileContext

	mu        sync.Mutex
	st        State
	sessionID string
	conn      runtime.Conn
	wsDead    bool
}

func New(deps Deps) *Engine {
	e := &Engine{
		runtime:    deps.Runtime,
		store:      deps.Store,
		bus:        deps.Bus,
		embedder:   deps.Embedder,
		reg:        deps.Registry,
		transport:  deps.Transport,
		workingDir: deps.WorkingDir,
		model:      deps.Model,
		volatile:   NewVolatileContext(),
		st:         StateNew,
	}
	var send func(protocol.Outbound)
	if deps.Transport != nil {
		e.router = NewRouter(deps.Transport)
		send = e.sendEvent
	}
	e.negotiator = NewNegotiator(deps.WorkingDir, deps.PermissionTimeout, send)

	var team []string
	for _, a := range deps.Registry.Active() {
		team = append(team, a.Name)
	}
	e.bridge = NewActivityBridge(e.SessionID, deps.Bus, send, deps.Registry.ConcurrencyCap, team)
	return e
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// AttachSession binds the engine to an existing persisted session, used
// when a client resumes.
func (e *Engine) AttachSession(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

// Initialize establishes the runtime connection. On failure the session is
// left in StateFailed and the error wraps ErrRuntimeConnect. Resume
// messages, when present, travel as a condensed transcript in the volatile
// context of the next turn rather than in the system prompt.
func (e *Engine) Initialize(ctx context.Context, resume []state.Message, runtimeSessionID string) error {
	e.setState(StateInitializing)
	e.negotiator.Reset()
	e.volatile.AddTimestamp(time.Now())
	if len(resume) > 0 {
		e.volatile.Add("Conversation so far (condensed):\n\n" + CondenseTranscript(resume))
	}
	if err := e.connect(ctx, runtimeSessionID); err != nil {
		e.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrRuntimeConnect, err)
	}
	e.setState(StateReady)
	return nil
}

func (e *Engine) connect(ctx context.Context, runtimeSessionID string) error {
	var agents []runtime.AgentDefinition
	for _, a := range e.reg.Active() {
		agents = append(agents, runtime.AgentDefinition{
			Name:   a.Name,
			Role:   a.Role,
			Model:  a.Model,
			Prompt: readPromptFile(a.SystemPromptPath),
			Tools:  a.Tools,
		})
	}
	model := e.reg.Orchestrator.Model
	if model == "" {
		model = e.model
	}
	opts := runtime.Options{
		Model:           model,
		SystemPrompt:    readPromptFile(e.reg.Orchestrator.SystemPromptPath),
		WorkingDir:      e.workingDir,
		ResumeSessionID: runtimeSessionID,
		Agents:          agents,
		Hooks:           e.bridge,
	}
	if e.transport != nil {
		opts.Permission = e.negotiator.Decide
	}

	conn, err := e.runtime.Connect(ctx, opts)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.conn
	e.conn = conn
	e.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Serve runs the dispatch loop: one message at a time, one turn at a time.
// Returns when the transport disconnects or ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	if e.router == nil {
		return fmt.Errorf("serve requires a transport")
	}
	e.router.Start(ctx)
	defer e.Close()

	for {
		msg, ok := e.router.Next(ctx)
		if !ok {
			return nil
		}
		switch msg.Type {
		case protocol.TypeUserMessage:
			if err := e.RunTurn(ctx, msg); err != nil {
				log.Printf("session %s: turn failed: %v", e.SessionID(), err)
			}
			if e.transportDead() {
				return nil
			}
		case protocol.TypePermissionResponse:
			e.resolvePermission(msg)
		case protocol.TypeCancelRequest:
			// No turn in flight, nothing to cancel.
			log.Printf("session %s: cancel request with no active turn", e.SessionID())
		case protocol.TypeDisconnect:
			return nil
		case protocol.TypeReaderError:
			return fmt.Errorf("transport read: %s", msg.Error)
		}
	}
}

// RunTurn executes one full turn: persist the user message, stream the
// runtime's response while handling control messages, recover from context
// overflow at most once, then persist the outcome.
func (e *Engine) RunTurn(ctx context.Context, msg protocol.Inbound) error {
	switch e.State() {
	case StateReady:
	case StateNew, StateInitializing:
		e.sendEvent(protocol.Outbound{Type: protocol.TypeError, Data: protocol.ErrorData{Message: "session not initialized"}})
		return ErrNotInitialized
	default:
		return fmt.Errorf("turn rejected in state %s", e.State())
	}

	if err := e.ensureSession(ctx); err != nil {
		e.sendEvent(protocol.Outbound{Type: protocol.TypeError, Data: protocol.ErrorData{Message: "failed to create session"}})
		return err
	}

	content := e.buildTurnContent(msg)
	e.persistMessage("user", msg.Content, 0, nil)

	e.setState(StateStreaming)
	e.bridge.ResetSteps()
	e.setTransportDead(false)

	outcome := e.streamTurn(ctx, content)

	if outcome.cancelled {
		return e.finishCancelled(ctx)
	}

	if outcome.err != nil && IsContextOverflow(outcome.err) && e.SessionID() != "" {
		log.Printf("session %s: context overflow, rolling context and retrying once", e.SessionID())
		if rollErr := e.rollContext(ctx); rollErr != nil {
			e.setState(StateReady)
			e.sendEvent(protocol.Outbound{Type: protocol.TypeError, Data: protocol.ErrorData{Message: "failed to recover from context overflow"}})
			return rollErr
		}
		outcome = e.streamTurn(ctx, content)
		if outcome.cancelled {
			return e.finishCancelled(ctx)
		}
	}

	if outcome.err != nil {
		// Keep whatever partial response was captured before the failure.
		if outcome.text != "" {
			e.persistMessage("assistant", outcome.text, 0, map[string]any{"partial": true})
		}
		e.setState(StateReady)
		e.sendEvent(protocol.Outbound{Type: protocol.TypeError, Data: protocol.ErrorData{Message: outcome.err.Error()}})
		return outcome.err
	}

	e.finishTurn(ctx, msg.Content, outcome)
	e.setState(StateReady)
	return nil
}

type turnOutcome struct {
	text      string
	result    *runtime.Result
	cancelled bool
	err       error
}

// streamTurn submits the content (with any volatile prefix) and drains the
// runtime's event stream, running the control processor alongside. If the
// transport dies mid-stream, writes stop but draining continues so the full
// response survives for persistence.
func (e *Engine) streamTurn(ctx context.Context, content string) turnOutcome {
	full := content
	if prefix := e.volatile.Consume(); prefix != "" {
		full = prefix + "\n\n" + content
	}

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return turnOutcome{err: ErrNotInitialized}
	}

	events, err := conn.Submit(ctx, full)
	if err != nil {
		return turnOutcome{err: fmt.Errorf("submit turn: %w", err)}
	}

	ctrl := e.startControlProcessor(ctx, conn)

	var finals []string
	var result *runtime.Result
	for ev := range events {
		switch ev.Kind {
		case runtime.EventTextDelta:
			e.sendEvent(protocol.Outbound{Type: protocol.TypeAssistantText, Data: protocol.AssistantTextData{Text: ev.Text, Streaming: true}})
		case runtime.EventTextFinal:
			finals = append(finals, ev.Text)
			e.sendEvent(protocol.Outbound{Type: protocol.TypeAssistantText, Data: protocol.AssistantTextData{Text: ev.Text, Final: true}})
		case runtime.EventToolUse:
			e.bridge.AddToolStep(ev.Tool, ev.ToolInput)
			e.sendEvent(protocol.Outbound{Type: protocol.TypeToolUse, Data: protocol.ToolUseData{Tool: ev.Tool, Input: ev.ToolInput}})
		case runtime.EventAgentStarted:
			e.bridge.OnAgentStarted(ev.Agent)
		case runtime.EventAgentStopped:
			e.bridge.OnAgentStopped(ev.Agent)
		case runtime.EventNotification:
			e.bridge.OnNotification(ev.Note)
		case runtime.EventResult:
			r := ev.Result
			result = &r
		}
	}
	ctrl.stop()
	if e.router != nil {
		e.router.Requeue(ctrl.takeDeferred())
	}

	out := turnOutcome{
		text:   strings.Join(finals, "\n\n"),
		result: result,
	}
	if ctrl.cancelled() {
		out.cancelled = true
		return out
	}
	if err := conn.Err(); err != nil {
		out.err = err
	}
	return out
}

// controlProcessor polls the incoming queue during a turn so permission
// decisions and cancel requests are handled without waiting for the stream
// to finish. User messages that arrive mid-turn are requeued for the
// dispatch loop.
type controlProcessor struct {
	stopCh    chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	cancelReq bool
	deferred  []protocol.Inbound
}

func (e *Engine) startControlProcessor(ctx context.Context, conn runtime.Conn) *controlProcessor {
	cp := &controlProcessor{stopCh: make(chan struct{}), done: make(chan struct{})}
	if e.router == nil {
		close(cp.done)
		return cp
	}
	go func() {
		defer close(cp.done)
		for {
			select {
			case <-cp.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			msg, ok := e.router.Poll(ctx, controlPollInterval)
			if !ok {
				continue
			}
			switch msg.Type {
			case protocol.TypePermissionResponse:
				e.resolvePermission(msg)
			case protocol.TypeCancelRequest:
				cp.mu.Lock()
				cp.cancelReq = true
				cp.mu.Unlock()
				// Closing the connection aborts provider-side work, not
				// just the local stream iteration.
				_ = conn.Close()
			case protocol.TypeDisconnect, protocol.TypeReaderError:
				e.setTransportDead(true)
			default:
				cp.mu.Lock()
				cp.deferred = append(cp.deferred, msg)
				cp.mu.Unlock()
			}
		}
	}()
	return cp
}

func (cp *controlProcessor) stop() {
	close(cp.stopCh)
	<-cp.done
}

func (cp *controlProcessor) cancelled() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.cancelReq
}

func (cp *controlProcessor) takeDeferred() []protocol.Inbound {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	out := cp.deferred
	cp.deferred = nil
	return out
}

// finishCancelled completes the CANCELLING transition: the old connection
// is already closed, so rebuild a fresh one and only then confirm to the
// client.
func (e *Engine) finishCancelled(ctx context.Context) error {
	e.setState(StateCancelling)
	if err := e.Initialize(ctx, nil, ""); err != nil {
		e.sendEvent(protocol.Outbound{Type: protocol.TypeError, Data: protocol.ErrorData{Message: "failed to reconnect after cancel"}})
		return err
	}
	e.sendEvent(protocol.Outbound{Type: protocol.TypeCancelConfirmed, Data: protocol.CancelConfirmedData{Message: "Response cancelled"}})
	return nil
}

// rollContext rebuilds the runtime connection with a condensed transcript
// in place of full history. The approval cache survives: rolling context is
// invisible to the user and must not re-prompt for tools they already
// blanket-approved.
func (e *Engine) rollContext(ctx context.Context) error {
	prior, err := e.store.ListMessages(ctx, e.SessionID())
	if err != nil {
		return fmt.Errorf("load transcript for roll: %w", err)
	}
	e.volatile.AddTimestamp(time.Now())
	e.volatile.Add("Conversation so far (condensed):\n\n" + CondenseTranscript(prior))
	if err := e.connect(ctx, ""); err != nil {
		return fmt.Errorf("reconnect for roll: %w", err)
	}
	return nil
}

// finishTurn persists the assistant response and metadata, updates the
// session title on the first exchange, and emits the result summary.
func (e *Engine) finishTurn(ctx context.Context, userContent string, outcome turnOutcome) {
	sessionID := e.SessionID()

	metadata := map[string]any{}
	if steps := e.bridge.Steps(); len(steps) > 0 {
		metadata["steps"] = steps
	}
	cost := 0.0
	if outcome.result != nil {
		cost = outcome.result.TotalCostUSD
		metadata["duration_ms"] = outcome.result.DurationMS
		metadata["num_turns"] = outcome.result.NumTurns
	}
	if outcome.text != "" {
		e.persistMessage("assistant", outcome.text, cost, metadata)
	}

	e.maybeAutoTitle(ctx, userContent)
	e.recordRuntimeSessionID(ctx)

	if outcome.result != nil {
		e.sendEvent(protocol.Outbound{Type: protocol.TypeResult, Data: protocol.ResultData{
			SessionID:    sessionID,
			TotalCostUSD: outcome.result.TotalCostUSD,
			DurationMS:   outcome.result.DurationMS,
			NumTurns:     outcome.result.NumTurns,
			IsError:      outcome.result.IsError,
		}})
	}
	e.sendEvent(protocol.Outbound{Type: protocol.TypeRegistryUpdate, Data: e.reg})
}

func (e *Engine) ensureSession(ctx context.Context) error {
	if e.SessionID() != "" {
		return nil
	}
	sess, err := e.store.CreateSession(ctx, "")
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	e.AttachSession(sess.ID)
	e.sendEvent(protocol.Outbound{Type: protocol.TypeSessionCreated, Data: protocol.SessionCreatedData{
		SessionID: sess.ID,
		Title:     sess.Title,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339),
	}})
	return nil
}

func (e *Engine) maybeAutoTitle(ctx context.Context, userContent string) {
	sessionID := e.SessionID()
	if sessionID == "" {
		return
	}
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil || sess.Title != "New Chat" {
		return
	}
	title := strings.TrimSpace(userContent)
	if len(title) > autoTitleLimit {
		title = truncateAt(title, autoTitleLimit) + "..."
	}
	if title == "" {
		return
	}
	if err := e.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		log.Printf("session %s: auto-title: %v", sessionID, err)
		return
	}
	e.sendEvent(protocol.Outbound{Type: protocol.TypeSessionTitleUpdate, Data: protocol.SessionTitleUpdateData{
		SessionID: sessionID,
		Title:     title,
	}})
}

func (e *Engine) recordRuntimeSessionID(ctx context.Context) {
	e.mu.Lock()
	conn := e.conn
	sessionID := e.sessionID
	e.mu.Unlock()
	if conn == nil || sessionID == "" {
		return
	}
	if runtimeID := conn.SessionID(); runtimeID != "" {
		if err := e.store.UpdateSessionRuntimeID(ctx, sessionID, runtimeID); err != nil {
			log.Printf("session %s: record runtime id: %v", sessionID, err)
		}
	}
}

// persistMessage saves a message with a best-effort embedding. Interactive
// sessions write in the background so storage latency never blocks the
// stream; headless callers write inline, because they read the outcome from
// the store as soon as the turn returns.
func (e *Engine) persistMessage(role, content string, cost float64, metadata map[string]any) {
	sessionID := e.SessionID()
	if sessionID == "" || content == "" {
		return
	}
	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var vector []float32
		if e.embedder != nil {
			if v, err := e.embedder.Embed(ctx, content); err == nil {
				vector = v
			} else {
				log.Printf("session %s: embedding skipped: %v", sessionID, err)
			}
		}
		if _, err := e.store.SaveMessage(ctx, state.MessageInput{
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			CostUSD:   cost,
			Metadata:  metadata,
			Embedding: vector,
		}); err != nil {
			log.Printf("session %s: persist %s message: %v", sessionID, role, err)
		}
	}
	if e.transport == nil {
		write()
		return
	}
	go write()
}

func (e *Engine) resolvePermission(msg protocol.Inbound) {
	if !e.negotiator.Resolve(msg.ID, msg.Decision) {
		return
	}
	sessionID := e.SessionID()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SavePermissionDecision(ctx, state.PermissionDecision{
			SessionID: sessionID,
			AgentName: msg.AgentName,
			ToolName:  msg.ToolName,
			Decision:  msg.Decision,
		}); err != nil {
			log.Printf("session %s: persist permission decision: %v", sessionID, err)
		}
	}()
}

// sendEvent writes to the transport unless it is already known dead. The
// first failed write marks it dead; processing continues without a client.
func (e *Engine) sendEvent(event protocol.Outbound) {
	if e.transport == nil || e.transportDead() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := e.transport.Send(ctx, event); err != nil {
		log.Printf("session %s: transport write failed, draining without client: %v", e.SessionID(), err)
		e.setTransportDead(true)
	}
}

func (e *Engine) transportDead() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wsDead
}

func (e *Engine) setTransportDead(dead bool) {
	e.mu.Lock()
	e.wsDead = dead
	e.mu.Unlock()
}

func (e *Engine) setState(st State) {
	e.mu.Lock()
	e.st = st
	e.mu.Unlock()
}

// Close tears the session down. Safe to call more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.st == StateClosed {
		e.mu.Unlock()
		return
	}
	e.st = StateClosed
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	e.negotiator.Reset()
}

func readPromptFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
