package session

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flitsinc/go-sessions/internal/protocol"
	"github.com/flitsinc/go-sessions/internal/runtime"
)

// Tools the runtime may always use without asking.
var defaultAutoAllow = map[string]struct{}{
	"Task":         {},
	"TodoWrite":    {},
	"WebSearch":    {},
	"WebFetch":     {},
	"NotebookRead": {},
	"Bash":         {},
	"LS":           {},
}

// Filesystem tools subject to the working-directory boundary.
var fileTools = map[string]struct{}{
	"Read":  {},
	"Write": {},
	"Edit":  {},
	"Glob":  {},
	"Grep":  {},
}

const redactLimit = 200

type resolution struct {
	decision string
}

// Negotiator decides tool authorization for one session. Static policy
// first, then the working-directory boundary for file tools, then the
// per-session approval cache, and only then a human escalation with a
// deny-on-timeout deadline.
type Negotiator struct {
	workingDir string
	timeout    time.Duration
	send       func(protocol.Outbound)

	mu       sync.Mutex
	pending  map[string]chan resolution
	approved map[string]struct{}
}

// NewNegotiator builds a negotiator for an interactive session. workingDir
// is resolved to canonical absolute form once, up front. A nil send func
// means headless operation: every call is allowed, on the assumption that
// headless runs happen in a pre-sandboxed working directory.
func NewNegotiator(workingDir string, timeout time.Duration, send func(protocol.Outbound)) *Negotiator {
	resolved, err := filepath.Abs(workingDir)
	if err != nil {
		resolved = workingDir
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Negotiator{
		workingDir: resolved,
		timeout:    timeout,
		send:       send,
		pending:    map[string]chan resolution{},
		approved:   map[string]struct{}{},
	}
}

// Reset clears the approved-for-session cache and abandons any pending
// escalations. Called when the runtime connection is rebuilt.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.approved = map[string]struct{}{}
	for id, ch := range n.pending {
		close(ch)
		delete(n.pending, id)
	}
}

// Decide implements runtime.PermissionFunc.
func (n *Negotiator) Decide(ctx context.Context, toolName string, toolInput map[string]any) runtime.Decision {
	if n.send == nil {
		return runtime.Allow()
	}

	bare := bareToolName(toolName)
	if _, ok := defaultAutoAllow[bare]; ok {
		return runtime.Allow()
	}

	if _, ok := fileTools[bare]; ok {
		if target := pathFromInput(toolInput); target != "" {
			if n.withinWorkingDir(target) {
				return runtime.Allow()
			}
			return runtime.Deny(fmt.Sprintf(
				"Path '%s' is outside the working directory. All file operations must stay within %s",
				target, n.workingDir))
		}
	}

	n.mu.Lock()
	_, approved := n.approved[bare]
	n.mu.Unlock()
	if approved {
		return runtime.Allow()
	}

	return n.escalate(ctx, bare, toolInput)
}

// escalate asks the human and blocks until a decision arrives or the
// timeout elapses. Timeouts deny and additionally emit a distinct event so
// the client can clear its pending prompt.
func (n *Negotiator) escalate(ctx context.Context, toolName string, toolInput map[string]any) runtime.Decision {
	id := uuid.NewString()
	ch := make(chan resolution, 1)

	n.mu.Lock()
	n.pending[id] = ch
	n.mu.Unlock()

	n.send(protocol.Outbound{Type: protocol.TypePermissionRequest, Data: protocol.PermissionRequestData{
		ID:        id,
		ToolName:  toolName,
		ToolInput: redactInput(toolInput),
		AgentName: "orchestrator",
	}})

	timer := time.NewTimer(n.timeout)
	defer timer.Stop()

	select {
	case res, ok := <-ch:
		if !ok {
			return runtime.Deny("Session was reset")
		}
		switch res.decision {
		case "allow":
			return runtime.Allow()
		case "allow_all_similar":
			n.mu.Lock()
			n.approved[toolName] = struct{}{}
			n.mu.Unlock()
			return runtime.Allow()
		default:
			return runtime.Deny("User denied permission")
		}
	case <-timer.C:
		n.forget(id)
		n.send(protocol.Outbound{Type: protocol.TypePermissionTimeout, Data: protocol.PermissionTimeoutData{ID: id}})
		return runtime.Deny("Permission request timed out")
	case <-ctx.Done():
		n.forget(id)
		return runtime.Deny("Turn was cancelled")
	}
}

// Resolve delivers a client decision for a pending request. Late or
// duplicate decisions are ignored; each identifier resolves at most once.
func (n *Negotiator) Resolve(id, decision string) bool {
	n.mu.Lock()
	ch, ok := n.pending[id]
	if ok {
		delete(n.pending, id)
	}
	n.mu.Unlock()
	if !ok {
		log.Printf("permission: ignoring decision for unknown or expired request %s", id)
		return false
	}
	ch <- resolution{decision: decision}
	return true
}

func (n *Negotiator) forget(id string) {
	n.mu.Lock()
	delete(n.pending, id)
	n.mu.Unlock()
}

// withinWorkingDir reports whether target stays inside the boundary.
func (n *Negotiator) withinWorkingDir(target string) bool {
	_, ok := n.ResolvePath(target)
	return ok
}

// ResolvePath resolves target against the working directory and checks the
// prefix boundary. This rejects ".."-escapes and, where the filesystem
// resolves them, symlink redirections. Returns the canonical path and
// whether it lies inside the boundary.
func (n *Negotiator) ResolvePath(target string) (string, bool) {
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(n.workingDir, resolved)
	}
	resolved = filepath.Clean(resolved)
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	if resolved == n.workingDir {
		return resolved, true
	}
	return resolved, strings.HasPrefix(resolved, n.workingDir+string(filepath.Separator))
}

// bareToolName strips a provider namespace like "mcp__server__Read" down to
// the final segment.
func bareToolName(name string) string {
	if idx := strings.LastIndex(name, "__"); idx >= 0 {
		return name[idx+2:]
	}
	return name
}

// pathFromInput extracts the filesystem target of a file tool. "pattern"
// covers Glob and Grep calls that carry no explicit path: a relative
// pattern resolves inside the boundary, an absolute one is checked like
// any other path.
func pathFromInput(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "notebook_path", "pattern"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// redactInput flattens tool input to strings, truncating each field so a
// permission prompt never carries a full file body.
func redactInput(input map[string]any) map[string]string {
	out := make(map[string]string, len(input))
	for k, v := range input {
		s := fmt.Sprintf("%v", v)
		if len(s) > redactLimit {
			s = truncateAt(s, redactLimit) + "…"
		}
		out[k] = s
	}
	return out
}
