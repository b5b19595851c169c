package session

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/flitsinc/go-sessions/internal/protocol"
)

const (
	fileRefMaxBytes = 1 << 20
	folderListLimit = 200
)

// buildTurnContent expands a user message with referenced file contents and
// folder context. The expansion feeds the runtime only; the persisted user
// message stays as the client typed it.
func (e *Engine) buildTurnContent(msg protocol.Inbound) string {
	content := msg.Content
	var extras []string
	for _, ref := range msg.FileRefs {
		if block := e.renderFileRef(ref); block != "" {
			extras = append(extras, block)
		}
	}
	if msg.FolderContext != nil && *msg.FolderContext != "" {
		if block := e.renderFolderContext(*msg.FolderContext); block != "" {
			extras = append(extras, block)
		}
	}
	if len(extras) > 0 {
		content = content + "\n\n" + strings.Join(extras, "\n\n")
	}
	return content
}

// renderFileRef inlines a referenced file, subject to the working-directory
// boundary and the inline size cap. Binary and oversized files are attached
// by absolute path instead of inlined.
func (e *Engine) renderFileRef(ref string) string {
	path, ok := e.negotiator.ResolvePath(ref)
	if !ok {
		return fmt.Sprintf("[File %s is outside the working directory and was not attached]", ref)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return fmt.Sprintf("[File %s could not be read]", ref)
	}
	if info.Size() > fileRefMaxBytes {
		return fmt.Sprintf("[File %s is too large to inline (%d bytes); read it at %s]", ref, info.Size(), path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("[File %s could not be read]", ref)
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return fmt.Sprintf("[Binary file %s attached by path: %s]", ref, path)
	}
	return fmt.Sprintf("--- %s ---\n%s\n--- end of %s ---", ref, string(data), ref)
}

// renderFolderContext produces a directory listing block for the folder the
// client is focused on.
func (e *Engine) renderFolderContext(folder string) string {
	path, ok := e.negotiator.ResolvePath(folder)
	if !ok {
		return fmt.Sprintf("[Folder %s is outside the working directory]", folder)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Sprintf("[Folder %s could not be listed]", folder)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Contents of %s:\n", folder)
	for i, entry := range entries {
		if i >= folderListLimit {
			fmt.Fprintf(&b, "… and %d more entries\n", len(entries)-folderListLimit)
			break
		}
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		b.WriteString(name + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
