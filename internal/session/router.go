package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/flitsinc/go-sessions/internal/protocol"
)

// Transport is the bidirectional message channel to one client. Read blocks
// for the next raw frame and returns io.EOF on a clean close. Send delivers
// one outbound event.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, event protocol.Outbound) error
}

// Router decouples reading client messages from processing them. A
// background goroutine reads frames and appends them to an unbounded queue;
// the engine polls the queue with a short timeout during a turn so control
// messages are handled while the output stream is being drained, and blocks
// on it between turns. Disconnects and read errors arrive through the same
// queue as sentinel messages, never as lost signals.
type Router struct {
	transport Transport

	mu     sync.Mutex
	queue  []protocol.Inbound
	notify chan struct{}
}

func NewRouter(transport Transport) *Router {
	return &Router{
		transport: transport,
		notify:    make(chan struct{}, 1),
	}
}

// Start launches the reader goroutine. It runs until the transport fails or
// ctx is cancelled, then pushes a final sentinel and exits.
func (r *Router) Start(ctx context.Context) {
	go func() {
		for {
			raw, err := r.transport.Read(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					r.push(protocol.Inbound{Type: protocol.TypeDisconnect})
				} else {
					r.push(protocol.Inbound{Type: protocol.TypeReaderError, Error: err.Error()})
				}
				return
			}
			msg, err := protocol.DecodeInbound(raw)
			if err != nil {
				log.Printf("router: dropping malformed frame: %v", err)
				continue
			}
			r.push(msg)
		}
	}()
}

// Next blocks until a message is available or ctx is cancelled.
func (r *Router) Next(ctx context.Context) (protocol.Inbound, bool) {
	for {
		if msg, ok := r.pop(); ok {
			return msg, true
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return protocol.Inbound{}, false
		}
	}
}

// Poll waits up to timeout for a message. Used by the in-turn control
// processor so it stays responsive to cancellation without serializing
// behind the turn.
func (r *Router) Poll(ctx context.Context, timeout time.Duration) (protocol.Inbound, bool) {
	if msg, ok := r.pop(); ok {
		return msg, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-r.notify:
			if msg, ok := r.pop(); ok {
				return msg, true
			}
		case <-timer.C:
			return protocol.Inbound{}, false
		case <-ctx.Done():
			return protocol.Inbound{}, false
		}
	}
}

// Drain returns everything queued right now without waiting.
func (r *Router) Drain() []protocol.Inbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.queue
	r.queue = nil
	return out
}

// Requeue puts messages back at the head of the queue, preserving order.
// Used for user messages that arrived mid-turn and must wait for the
// dispatch loop.
func (r *Router) Requeue(msgs []protocol.Inbound) {
	if len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	r.queue = append(append([]protocol.Inbound(nil), msgs...), r.queue...)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Router) push(msg protocol.Inbound) {
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Router) pop() (protocol.Inbound, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return protocol.Inbound{}, false
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, true
}
