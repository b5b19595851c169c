package session

import (
	"strings"
	"sync"
	"time"
)

// VolatileContext holds content that must reach the runtime with the next
// user message without being baked into the stable system prompt, which
// would defeat prompt caching. Typical contents: the current timestamp and
// a condensed transcript when resuming a session. Consumed once, then empty.
type VolatileContext struct {
	mu    sync.Mutex
	parts []string
}

func NewVolatileContext() *VolatileContext {
	return &VolatileContext{}
}

func (v *VolatileContext) Add(part string) {
	if strings.TrimSpace(part) == "" {
		return
	}
	v.mu.Lock()
	v.parts = append(v.parts, part)
	v.mu.Unlock()
}

func (v *VolatileContext) AddTimestamp(now time.Time) {
	v.Add("Current time: " + now.UTC().Format(time.RFC3339))
}

// Consume returns the accumulated parts joined by blank lines and clears
// the cache.
func (v *VolatileContext) Consume() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.parts) == 0 {
		return ""
	}
	out := strings.Join(v.parts, "\n\n")
	v.parts = nil
	return out
}
