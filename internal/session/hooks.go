package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/protocol"
	"github.com/flitsinc/go-sessions/internal/runtime"
)

// Step is one entry of the in-flight turn's step log: a tool call or a
// nested-agent lifecycle change, in arrival order.
type Step struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// ActivityBridge translates nested-agent lifecycle callbacks into transport
// events and persisted activity records, and tracks how many nested agents
// are live at once. Every method swallows delivery failures: a hook must
// never abort the turn.
type ActivityBridge struct {
	sessionID func() string
	bus       *eventbus.Bus
	send      func(protocol.Outbound)
	cap       int
	team      map[string]struct{}

	mu     sync.Mutex
	active int
	steps  []Step
}

func NewActivityBridge(sessionID func() string, bus *eventbus.Bus, send func(protocol.Outbound), concurrencyCap int, teamAgents []string) *ActivityBridge {
	team := map[string]struct{}{}
	for _, name := range teamAgents {
		team[name] = struct{}{}
	}
	if concurrencyCap <= 0 {
		concurrencyCap = 5
	}
	return &ActivityBridge{
		sessionID: sessionID,
		bus:       bus,
		send:      send,
		cap:       concurrencyCap,
		team:      team,
	}
}

func (b *ActivityBridge) OnAgentStarted(info runtime.AgentInfo) {
	b.mu.Lock()
	b.active++
	active := b.active
	b.mu.Unlock()
	if active > b.cap {
		log.Printf("activity: %d nested agents active, cap is %d", active, b.cap)
	}
	b.addStep("agent_started", info.AgentType)
	b.emitActivity("started", info)
}

func (b *ActivityBridge) OnAgentStopped(info runtime.AgentInfo) {
	b.mu.Lock()
	if b.active > 0 {
		// Stop events are not guaranteed to pair with starts across
		// retries, so the counter floors at zero.
		b.active--
	}
	b.mu.Unlock()
	b.addStep("agent_stopped", info.AgentType)
	b.emitActivity("stopped", info)
}

func (b *ActivityBridge) OnNotification(note runtime.Notification) {
	if b.send != nil {
		b.send(protocol.Outbound{Type: protocol.TypeAgentNotification, Data: protocol.AgentNotificationData{
			Message:          note.Message,
			Title:            note.Title,
			NotificationType: note.Type,
		}})
	}
	b.record(eventbus.StreamNotifications, note.Title, note.Message, nil)
}

// ActiveAgents reports the live nested-agent count.
func (b *ActivityBridge) ActiveAgents() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Steps returns a copy of the current turn's step log.
func (b *ActivityBridge) Steps() []Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Step(nil), b.steps...)
}

// ResetSteps clears the step log at the start of a turn.
func (b *ActivityBridge) ResetSteps() {
	b.mu.Lock()
	b.steps = nil
	b.mu.Unlock()
}

// AddToolStep records a tool invocation in the step log.
func (b *ActivityBridge) AddToolStep(tool, input string) {
	b.addStep("tool_use", tool+" "+input)
}

func (b *ActivityBridge) addStep(kind, detail string) {
	b.mu.Lock()
	b.steps = append(b.steps, Step{Kind: kind, Detail: detail, At: time.Now().UTC()})
	b.mu.Unlock()
}

func (b *ActivityBridge) emitActivity(event string, info runtime.AgentInfo) {
	_, isTeam := b.team[info.AgentType]
	if b.send != nil {
		b.send(protocol.Outbound{Type: protocol.TypeAgentActivity, Data: protocol.AgentActivityData{
			Event:        event,
			AgentID:      info.AgentID,
			AgentType:    info.AgentType,
			ParentAgent:  info.ParentAgent,
			IsTeamMember: isTeam,
		}})
	}
	b.record(eventbus.StreamActivity, info.AgentType, event, map[string]any{
		"agent_id":     info.AgentID,
		"agent_type":   info.AgentType,
		"parent_agent": info.ParentAgent,
	})
}

// record persists the event without coupling turn progress to storage.
func (b *ActivityBridge) record(stream, subject, body string, payload map[string]any) {
	if b.bus == nil {
		return
	}
	sessionID := b.sessionID()
	if sessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := b.bus.Push(ctx, eventbus.EventInput{
			Stream:    stream,
			SessionID: sessionID,
			Subject:   subject,
			Body:      body,
			Payload:   payload,
		}); err != nil {
			log.Printf("activity: persist event: %v", err)
		}
	}()
}
