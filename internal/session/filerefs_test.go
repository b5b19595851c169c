package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/flitsinc/go-sessions/internal/protocol"
)

func fileRefEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := testWorkingDir(t)
	e := &Engine{
		workingDir: dir,
		negotiator: NewNegotiator(dir, 0, func(protocol.Outbound) {}),
	}
	return e, dir
}

func TestFileRefInlined(t *testing.T) {
	e, dir := fileRefEngine(t)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("meeting at noon"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	content := e.buildTurnContent(protocol.Inbound{
		Type:     protocol.TypeUserMessage,
		Content:  "summarize this",
		FileRefs: []string{"notes.txt"},
	})
	if !strings.Contains(content, "meeting at noon") {
		t.Fatalf("file body not inlined: %q", content)
	}
	if !strings.HasPrefix(content, "summarize this") {
		t.Fatalf("user text not first: %q", content)
	}
}

func TestFileRefOutsideBoundaryNotAttached(t *testing.T) {
	e, _ := fileRefEngine(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("credentials"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	content := e.buildTurnContent(protocol.Inbound{
		Type:     protocol.TypeUserMessage,
		Content:  "read it",
		FileRefs: []string{outside},
	})
	if strings.Contains(content, "credentials") {
		t.Fatalf("boundary breach, file inlined: %q", content)
	}
	if !strings.Contains(content, "outside the working directory") {
		t.Fatalf("expected boundary notice: %q", content)
	}
}

func TestFileRefBinaryAttachedByPath(t *testing.T) {
	e, dir := fileRefEngine(t)
	if err := os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0x89, 0x50, 0x00, 0x47}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	content := e.buildTurnContent(protocol.Inbound{
		Type:     protocol.TypeUserMessage,
		Content:  "what is this",
		FileRefs: []string{"blob.bin"},
	})
	if !strings.Contains(content, "Binary file") {
		t.Fatalf("binary not attached by path: %q", content)
	}
}

func TestFolderContextListing(t *testing.T) {
	e, dir := fileRefEngine(t)
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	folder := "src"
	content := e.buildTurnContent(protocol.Inbound{
		Type:          protocol.TypeUserMessage,
		Content:       "look around",
		FolderContext: &folder,
	})
	if !strings.Contains(content, "main.go") {
		t.Fatalf("listing missing entry: %q", content)
	}
}
