package session

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/go-sessions/internal/protocol"
)

func TestRouterDeliversInOrder(t *testing.T) {
	transport := newFakeTransport()
	r := NewRouter(transport)
	r.Start(context.Background())

	transport.pushFrame(`{"type":"user_message","content":"one"}`)
	transport.pushFrame(`{"type":"user_message","content":"two"}`)

	first, ok := r.Next(context.Background())
	if !ok || first.Content != "one" {
		t.Fatalf("first = %+v, ok = %v", first, ok)
	}
	second, ok := r.Next(context.Background())
	if !ok || second.Content != "two" {
		t.Fatalf("second = %+v, ok = %v", second, ok)
	}
}

func TestRouterDisconnectSentinel(t *testing.T) {
	transport := newFakeTransport()
	r := NewRouter(transport)
	r.Start(context.Background())

	transport.closeIncoming()

	msg, ok := r.Next(context.Background())
	if !ok {
		t.Fatal("expected sentinel, got closed router")
	}
	if msg.Type != protocol.TypeDisconnect {
		t.Fatalf("expected disconnect sentinel, got %q", msg.Type)
	}
}

func TestRouterDropsMalformedFrames(t *testing.T) {
	transport := newFakeTransport()
	r := NewRouter(transport)
	r.Start(context.Background())

	transport.pushFrame(`not json`)
	transport.pushFrame(`{"content":"missing type"}`)
	transport.pushFrame(`{"type":"cancel_request"}`)

	msg, ok := r.Next(context.Background())
	if !ok || msg.Type != protocol.TypeCancelRequest {
		t.Fatalf("expected cancel_request after dropped frames, got %+v", msg)
	}
}

func TestRouterPollTimesOut(t *testing.T) {
	r := NewRouter(newFakeTransport())

	start := time.Now()
	_, ok := r.Poll(context.Background(), 30*time.Millisecond)
	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("poll returned too early: %s", elapsed)
	}
}

func TestRouterRequeuePreservesOrder(t *testing.T) {
	transport := newFakeTransport()
	r := NewRouter(transport)
	r.Start(context.Background())

	transport.pushFrame(`{"type":"user_message","content":"later"}`)
	waitFor(t, func() bool {
		msg, ok := r.pop()
		if ok {
			r.Requeue([]protocol.Inbound{
				{Type: protocol.TypeUserMessage, Content: "deferred-1"},
				{Type: protocol.TypeUserMessage, Content: "deferred-2"},
				msg,
			})
			return true
		}
		return false
	})

	var got []string
	for i := 0; i < 3; i++ {
		msg, ok := r.Next(context.Background())
		if !ok {
			t.Fatal("router closed early")
		}
		got = append(got, msg.Content)
	}
	want := []string{"deferred-1", "deferred-2", "later"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
