package session

import (
	"errors"
	"strings"
)

var (
	// ErrNotInitialized is returned when a turn is submitted before the
	// runtime connection exists.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrRuntimeConnect wraps a failed runtime connection attempt. The
	// session is left in StateFailed.
	ErrRuntimeConnect = errors.New("runtime connect failed")

	// ErrClosed is returned once the session has been torn down.
	ErrClosed = errors.New("session closed")
)

var overflowMarkers = []string{
	"prompt is too long",
	"prompt_too_long",
	"context_length_exceeded",
}

// IsContextOverflow reports whether err indicates the runtime rejected the
// turn because the accumulated context no longer fits. Providers phrase this
// a few different ways, so we match on message text.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range overflowMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
