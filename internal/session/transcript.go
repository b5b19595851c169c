package session

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/flitsinc/go-sessions/internal/state"
)

// Transcript condensing budget. Recent messages keep more of their text;
// the overall summary is capped so a rolled context always fits.
const (
	transcriptMaxChars = 40000
	recentFullCount    = 2
	recentWindow       = 10
	recentCharLimit    = 2000
	olderCharLimit     = 800
)

// CondenseTranscript builds a compact textual summary of prior messages,
// newest last, for seeding a fresh runtime connection. Walks backwards from
// the end of the conversation and stops once the character budget is spent,
// noting how many earlier messages were dropped.
func CondenseTranscript(messages []state.Message) string {
	if len(messages) == 0 {
		return ""
	}

	var parts []string
	total := 0
	included := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		fromEnd := len(messages) - 1 - i

		limit := olderCharLimit
		switch {
		case fromEnd < recentFullCount:
			limit = 0
		case fromEnd < recentWindow:
			limit = recentCharLimit
		}

		text := strings.TrimSpace(msg.Content)
		if limit > 0 && len(text) > limit {
			text = truncateAt(text, limit) + "…"
		}
		line := fmt.Sprintf("[%s] %s", msg.Role, text)
		if total+len(line) > transcriptMaxChars && included > 0 {
			break
		}
		parts = append(parts, line)
		total += len(line)
		included++
	}

	omitted := len(messages) - included
	if omitted > 0 {
		parts = append(parts, fmt.Sprintf("[%d earlier messages omitted]", omitted))
	}

	// parts were collected newest-first; restore chronological order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}

// truncateAt shortens s to at most limit bytes without splitting a rune.
func truncateAt(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
