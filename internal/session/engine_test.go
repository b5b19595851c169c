package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/go-sessions/internal/protocol"
	"github.com/flitsinc/go-sessions/internal/runtime"
	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/testutil"
)

// fakeTransport feeds scripted frames to the router and records everything
// the engine sends. Writes can be made to fail after a set count to exercise
// the drain-without-client path.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []protocol.Outbound
	writes    int
	failAfter int

	incoming  chan []byte
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 16), failAfter: -1}
}

func (t *fakeTransport) pushFrame(raw string) {
	t.incoming <- []byte(raw)
}

func (t *fakeTransport) closeIncoming() {
	t.closeOnce.Do(func() { close(t.incoming) })
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-t.incoming:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-ctx.Done():
		return nil, io.EOF
	}
}

func (t *fakeTransport) Send(ctx context.Context, event protocol.Outbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes++
	if t.failAfter >= 0 && t.writes > t.failAfter {
		return errors.New("connection reset")
	}
	t.sent = append(t.sent, event)
	return nil
}

func (t *fakeTransport) sentByType(kind string) []protocol.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []protocol.Outbound
	for _, e := range t.sent {
		if e.Type == kind {
			out = append(out, e)
		}
	}
	return out
}

func (t *fakeTransport) sentCopy() []protocol.Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.Outbound(nil), t.sent...)
}

// fakeConn replays a scripted event sequence, optionally slowly, and stops
// early if closed mid-stream the way a real connection aborts on teardown.
type fakeConn struct {
	script   []runtime.Event
	delay    time.Duration
	errAfter error

	mu     sync.Mutex
	closed bool
	err    error
}

func (c *fakeConn) Submit(ctx context.Context, content string) (<-chan runtime.Event, error) {
	ch := make(chan runtime.Event, 1)
	go func() {
		defer close(ch)
		for _, ev := range c.script {
			if c.delay > 0 {
				time.Sleep(c.delay)
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				c.mu.Lock()
				c.err = context.Canceled
				c.mu.Unlock()
				return
			}
			ch <- ev
		}
		c.mu.Lock()
		c.err = c.errAfter
		c.mu.Unlock()
	}()
	return ch, nil
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) SessionID() string { return "rt-session" }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeRuntime struct {
	mu       sync.Mutex
	queue    []*fakeConn
	connects int
}

func (r *fakeRuntime) Connect(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
	if len(r.queue) == 0 {
		return &fakeConn{}, nil
	}
	conn := r.queue[0]
	r.queue = r.queue[1:]
	return conn, nil
}

func (r *fakeRuntime) connectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

func newTestEngine(t *testing.T, rt *fakeRuntime, transport *fakeTransport) (*Engine, *state.Store) {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	store := state.NewStore(db)
	engine := New(Deps{
		Runtime:           rt,
		Store:             store,
		Transport:         transport,
		WorkingDir:        t.TempDir(),
		Model:             "test-model",
		PermissionTimeout: time.Second,
	})
	return engine, store
}

func happyScript(text string) []runtime.Event {
	return []runtime.Event{
		{Kind: runtime.EventTextDelta, Text: text[:2]},
		{Kind: runtime.EventTextDelta, Text: text[2:]},
		{Kind: runtime.EventTextFinal, Text: text},
		{Kind: runtime.EventResult, Result: runtime.Result{TotalCostUSD: 0.01, DurationMS: 12, NumTurns: 1}},
	}
}

func userMessage(content string) protocol.Inbound {
	return protocol.Inbound{Type: protocol.TypeUserMessage, Content: content}
}

func TestRunTurnBeforeInitialize(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeRuntime{}, newFakeTransport())
	err := engine.RunTurn(context.Background(), userMessage("hi"))
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestTurnStreamsAndPersists(t *testing.T) {
	rt := &fakeRuntime{queue: []*fakeConn{{script: happyScript("Hello")}}}
	transport := newFakeTransport()
	engine, store := newTestEngine(t, rt, transport)
	ctx := context.Background()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if got := engine.State(); got != StateReady {
		t.Fatalf("state = %s, want READY", got)
	}

	content := "please summarize the quarterly report for me today"
	if err := engine.RunTurn(ctx, userMessage(content)); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if got := engine.State(); got != StateReady {
		t.Fatalf("state after turn = %s, want READY", got)
	}

	if got := transport.sentByType(protocol.TypeSessionCreated); len(got) != 1 {
		t.Fatalf("expected one session_created, got %d", len(got))
	}
	texts := transport.sentByType(protocol.TypeAssistantText)
	if len(texts) != 3 {
		t.Fatalf("expected 2 deltas + 1 final, got %d", len(texts))
	}
	final := texts[2].Data.(protocol.AssistantTextData)
	if !final.Final || final.Text != "Hello" {
		t.Fatalf("unexpected final block: %+v", final)
	}
	if got := transport.sentByType(protocol.TypeResult); len(got) != 1 {
		t.Fatalf("expected one result event, got %d", len(got))
	}

	sessionID := engine.SessionID()
	waitFor(t, func() bool {
		msgs, err := store.ListMessages(ctx, sessionID)
		return err == nil && len(msgs) == 2
	})
	msgs, _ := store.ListMessages(ctx, sessionID)
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[1].Content != "Hello" {
		t.Fatalf("unexpected persisted messages: %+v", msgs)
	}

	// First exchange auto-titles the session from the user content.
	waitFor(t, func() bool {
		sess, err := store.GetSession(ctx, sessionID)
		return err == nil && sess.Title != "New Chat"
	})
	sess, _ := store.GetSession(ctx, sessionID)
	if sess.Title != content[:40]+"..." {
		t.Fatalf("title = %q", sess.Title)
	}
}

func TestTransportFailureStillPersistsResponse(t *testing.T) {
	rt := &fakeRuntime{queue: []*fakeConn{{script: happyScript("Hello")}}}
	transport := newFakeTransport()
	transport.failAfter = 2
	engine, store := newTestEngine(t, rt, transport)
	ctx := context.Background()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.RunTurn(ctx, userMessage("hi")); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	sessionID := engine.SessionID()
	waitFor(t, func() bool {
		msgs, err := store.ListMessages(ctx, sessionID)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Role == "assistant" && m.Content == "Hello" {
				return true
			}
		}
		return false
	})
}

func TestCancelTearsDownAndReconnects(t *testing.T) {
	var slowScript []runtime.Event
	for i := 0; i < 100; i++ {
		slowScript = append(slowScript, runtime.Event{Kind: runtime.EventTextDelta, Text: fmt.Sprintf("chunk-%d ", i)})
	}
	rt := &fakeRuntime{queue: []*fakeConn{{script: slowScript, delay: 10 * time.Millisecond}}}
	transport := newFakeTransport()
	engine, _ := newTestEngine(t, rt, transport)
	ctx := context.Background()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- engine.Serve(ctx) }()

	transport.pushFrame(`{"type":"user_message","content":"long task"}`)
	waitFor(t, func() bool {
		return len(transport.sentByType(protocol.TypeAssistantText)) > 2
	})
	transport.pushFrame(`{"type":"cancel_request"}`)

	waitFor(t, func() bool {
		return len(transport.sentByType(protocol.TypeCancelConfirmed)) == 1
	})
	if got := engine.State(); got != StateReady {
		t.Fatalf("state after cancel = %s, want READY", got)
	}
	if got := rt.connectCount(); got != 2 {
		t.Fatalf("connects = %d, want 2 (fresh connection after cancel)", got)
	}

	// Nothing from the cancelled turn may arrive after the confirmation.
	sent := transport.sentCopy()
	confirmedAt := -1
	for i, e := range sent {
		if e.Type == protocol.TypeCancelConfirmed {
			confirmedAt = i
		}
	}
	for _, e := range sent[confirmedAt+1:] {
		if e.Type == protocol.TypeAssistantText {
			t.Fatalf("assistant_text delivered after cancel_confirmed")
		}
	}

	transport.closeIncoming()
	if err := <-serveDone; err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestOverflowRollsContextAndRetriesOnce(t *testing.T) {
	overflowConn := &fakeConn{errAfter: errors.New("request failed: prompt is too long")}
	goodConn := &fakeConn{script: happyScript("Recovered")}
	rt := &fakeRuntime{queue: []*fakeConn{overflowConn, goodConn}}
	transport := newFakeTransport()
	engine, store := newTestEngine(t, rt, transport)
	ctx := context.Background()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.RunTurn(ctx, userMessage("hi")); err != nil {
		t.Fatalf("run turn should recover, got: %v", err)
	}
	if got := rt.connectCount(); got != 2 {
		t.Fatalf("connects = %d, want 2 (roll reconnect)", got)
	}

	sessionID := engine.SessionID()
	waitFor(t, func() bool {
		msgs, err := store.ListMessages(ctx, sessionID)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Role == "assistant" && m.Content == "Recovered" {
				return true
			}
		}
		return false
	})
}

func TestSecondOverflowSurfaces(t *testing.T) {
	first := &fakeConn{errAfter: errors.New("context_length_exceeded")}
	second := &fakeConn{errAfter: errors.New("prompt_too_long")}
	rt := &fakeRuntime{queue: []*fakeConn{first, second, {script: happyScript("Never")}}}
	transport := newFakeTransport()
	engine, _ := newTestEngine(t, rt, transport)
	ctx := context.Background()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	err := engine.RunTurn(ctx, userMessage("hi"))
	if err == nil {
		t.Fatal("expected error after second overflow")
	}
	if !IsContextOverflow(err) {
		t.Fatalf("err = %v, want context overflow", err)
	}
	if got := rt.connectCount(); got != 2 {
		t.Fatalf("connects = %d, want 2 (no second retry)", got)
	}
	if got := engine.State(); got != StateReady {
		t.Fatalf("state = %s, want READY", got)
	}
}

func TestMultipleFinalBlocksJoined(t *testing.T) {
	conn := &fakeConn{script: []runtime.Event{
		{Kind: runtime.EventTextFinal, Text: "Part one."},
		{Kind: runtime.EventTextFinal, Text: "Part two."},
		{Kind: runtime.EventResult, Result: runtime.Result{NumTurns: 1}},
	}}
	rt := &fakeRuntime{queue: []*fakeConn{conn}}
	transport := newFakeTransport()
	engine, store := newTestEngine(t, rt, transport)
	ctx := context.Background()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.RunTurn(ctx, userMessage("hi")); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	sessionID := engine.SessionID()
	waitFor(t, func() bool {
		msgs, err := store.ListMessages(ctx, sessionID)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Role == "assistant" {
				return m.Content == "Part one.\n\nPart two."
			}
		}
		return false
	})
}

// A headless engine has no client waiting on the stream, but its caller
// reads the transcript from the store the moment the turn returns, so the
// writes must have landed by then.
func TestHeadlessTurnPersistsBeforeReturn(t *testing.T) {
	rt := &fakeRuntime{queue: []*fakeConn{{script: happyScript("Report done")}}}
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	store := state.NewStore(db)
	engine := New(Deps{
		Runtime:    rt,
		Store:      store,
		WorkingDir: t.TempDir(),
		Model:      "test-model",
	})
	ctx := context.Background()

	if err := engine.Initialize(ctx, nil, ""); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.RunTurn(ctx, userMessage("write the report")); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	// No waiting: the turn has returned, the messages must be there.
	msgs, err := store.ListMessages(ctx, engine.SessionID())
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant persisted synchronously, got %d messages", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "Report done" {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}
}

func TestInitializeFailureLeavesFailedState(t *testing.T) {
	rt := &failingRuntime{}
	transport := newFakeTransport()
	engine, _ := newTestEngine(t, &fakeRuntime{}, transport)
	engine.runtime = rt

	err := engine.Initialize(context.Background(), nil, "")
	if !errors.Is(err, ErrRuntimeConnect) {
		t.Fatalf("err = %v, want ErrRuntimeConnect", err)
	}
	if got := engine.State(); got != StateFailed {
		t.Fatalf("state = %s, want FAILED", got)
	}
	if !strings.Contains(err.Error(), "provider unavailable") {
		t.Fatalf("wrapped cause missing: %v", err)
	}
}

type failingRuntime struct{}

func (r *failingRuntime) Connect(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
	return nil, errors.New("provider unavailable")
}
