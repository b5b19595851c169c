package session

import (
	"strings"
	"testing"
	"time"
)

func TestVolatileConsumeOnce(t *testing.T) {
	v := NewVolatileContext()
	v.AddTimestamp(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	v.Add("resumed transcript")

	out := v.Consume()
	if !strings.Contains(out, "Current time: 2026-03-01T12:00:00Z") {
		t.Fatalf("missing timestamp: %q", out)
	}
	if !strings.Contains(out, "resumed transcript") {
		t.Fatalf("missing transcript: %q", out)
	}
	if second := v.Consume(); second != "" {
		t.Fatalf("second consume should be empty, got %q", second)
	}
}

func TestVolatileIgnoresBlankParts(t *testing.T) {
	v := NewVolatileContext()
	v.Add("   ")
	v.Add("")
	if out := v.Consume(); out != "" {
		t.Fatalf("expected empty, got %q", out)
	}
}
