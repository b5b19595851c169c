package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/registry"
	"github.com/flitsinc/go-sessions/internal/runtime"
	"github.com/flitsinc/go-sessions/internal/state"
	"github.com/flitsinc/go-sessions/internal/testutil"
)

type scriptedConn struct {
	script []runtime.Event
	delay  time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *scriptedConn) Submit(ctx context.Context, content string) (<-chan runtime.Event, error) {
	ch := make(chan runtime.Event, 1)
	go func() {
		defer close(ch)
		for _, ev := range c.script {
			if c.delay > 0 {
				select {
				case <-time.After(c.delay):
				case <-ctx.Done():
					return
				}
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			ch <- ev
		}
	}()
	return ch, nil
}

func (c *scriptedConn) Err() error        { return nil }
func (c *scriptedConn) SessionID() string { return "rt-run" }
func (c *scriptedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type scriptedRuntime struct {
	conn *scriptedConn
}

func (r *scriptedRuntime) Connect(ctx context.Context, opts runtime.Options) (runtime.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	return &scriptedConn{}, nil
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) Run {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := m.Get(context.Background(), id)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := m.Get(context.Background(), id)
	t.Fatalf("run %s stuck in %s, want %s", id, run.Status, want)
	return Run{}
}

func TestSpawnCompletesRun(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	store := state.NewStore(db)
	bus := eventbus.NewBus(db)
	rt := &scriptedRuntime{conn: &scriptedConn{script: []runtime.Event{
		{Kind: runtime.EventTextFinal, Text: "report ready"},
		{Kind: runtime.EventResult, Result: runtime.Result{NumTurns: 1}},
	}}}

	m := NewManager(db, store, bus, rt, registry.Registry{ConcurrencyCap: 5}, t.TempDir(), "test-model", time.Minute)
	run, err := m.Spawn(context.Background(), Spec{Prompt: "write the report"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if run.ID != "run-1" {
		t.Fatalf("id = %q, want run-1", run.ID)
	}

	done := waitForStatus(t, m, run.ID, StatusCompleted)
	if done.SessionID == "" {
		t.Fatal("completed run missing session id")
	}
	if done.Result == "" {
		t.Fatal("completed run missing result text")
	}

	// The headless session persisted the transcript.
	messages, err := store.ListMessages(context.Background(), done.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) < 2 {
		t.Fatalf("expected persisted transcript, got %d messages", len(messages))
	}
}

func TestSpawnRejectsEmptyPrompt(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	m := NewManager(db, state.NewStore(db), nil, &scriptedRuntime{}, registry.Registry{}, t.TempDir(), "m", time.Minute)

	if _, err := m.Spawn(context.Background(), Spec{Prompt: "   "}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestSpawnRejectsUnknownAgent(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	reg := registry.Registry{Agents: []registry.Agent{{Name: "researcher", Status: "active"}}}
	m := NewManager(db, state.NewStore(db), nil, &scriptedRuntime{}, reg, t.TempDir(), "m", time.Minute)

	if _, err := m.Spawn(context.Background(), Spec{Prompt: "go", Agent: "nobody"}); err == nil {
		t.Fatal("expected error for unknown agent")
	}
	if _, err := m.Spawn(context.Background(), Spec{Prompt: "go", Agent: "researcher"}); err != nil {
		t.Fatalf("known agent rejected: %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	store := state.NewStore(db)
	var script []runtime.Event
	for i := 0; i < 200; i++ {
		script = append(script, runtime.Event{Kind: runtime.EventTextDelta, Text: "chunk "})
	}
	rt := &scriptedRuntime{conn: &scriptedConn{script: script, delay: 10 * time.Millisecond}}

	m := NewManager(db, store, nil, rt, registry.Registry{}, t.TempDir(), "m", time.Minute)
	run, err := m.Spawn(context.Background(), Spec{Prompt: "long job"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitForStatus(t, m, run.ID, StatusRunning)
	if err := m.Cancel(context.Background(), run.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForStatus(t, m, run.ID, StatusCancelled)

	if err := m.Cancel(context.Background(), run.ID); err == nil {
		t.Fatal("cancelling a finished run should fail")
	}
}

func TestListRuns(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()
	m := NewManager(db, state.NewStore(db), nil, &scriptedRuntime{}, registry.Registry{}, t.TempDir(), "m", time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := m.Spawn(context.Background(), Spec{Prompt: "p"}); err != nil {
			t.Fatalf("spawn: %v", err)
		}
	}
	runs, err := m.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
}
