// Package api exposes the HTTP surface: session and message queries, the
// agent registry, background runs, an event stream, and the websocket chat
// endpoint that hosts the interactive session protocol.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flitsinc/go-sessions/internal/background"
	"github.com/flitsinc/go-sessions/internal/embeddings"
	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/registry"
	"github.com/flitsinc/go-sessions/internal/runtime"
	"github.com/flitsinc/go-sessions/internal/state"
)

type Server struct {
	Store    *state.Store
	Bus      *eventbus.Bus
	Runs     *background.Manager
	Runtime  runtime.Runtime
	Registry registry.Registry
	Embedder *embeddings.Client

	WorkingDir        string
	Model             string
	PermissionTimeout time.Duration
	StartedAt         time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionItem)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunItem)
	mux.HandleFunc("/api/events/ws", s.handleEventsWS)
	mux.HandleFunc("/ws/chat", s.handleChatWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.StartedAt).String(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		sessions, err := s.Store.ListSessions(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	case http.MethodPost:
		var payload struct {
			Title string `json:"title"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sess, err := s.Store.CreateSession(r.Context(), payload.Title)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleSessionItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("session"))
		return
	}
	sessionID := segments[0]

	if len(segments) == 1 {
		switch r.Method {
		case http.MethodGet:
			sess, err := s.Store.GetSession(r.Context(), sessionID)
			if err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, sess)
		case http.MethodPatch:
			var payload struct {
				Title string `json:"title"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			if strings.TrimSpace(payload.Title) == "" {
				writeError(w, http.StatusBadRequest, errors.New("title is required"))
				return
			}
			if err := s.Store.UpdateSessionTitle(r.Context(), sessionID, payload.Title); err != nil {
				writeError(w, http.StatusNotFound, err)
				return
			}
			sess, err := s.Store.GetSession(r.Context(), sessionID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, sess)
		case http.MethodDelete:
			if err := s.Store.DeleteSession(r.Context(), sessionID); err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": sessionID})
		default:
			writeMethodNotAllowed(w)
		}
		return
	}

	switch segments[1] {
	case "messages":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		messages, err := s.Store.ListMessages(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	case "events":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		stream := r.URL.Query().Get("stream")
		if stream == "" {
			stream = eventbus.StreamActivity
		}
		events, err := s.Bus.List(r.Context(), stream, eventbus.ListOptions{
			SessionID: sessionID,
			Limit:     parseInt(r.URL.Query().Get("limit"), 100),
			Order:     r.URL.Query().Get("order"),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	default:
		writeError(w, http.StatusNotFound, errNotFound("session resource"))
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, s.Registry)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := parseInt(r.URL.Query().Get("limit"), 50)
		runs, err := s.Runs.List(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		var spec background.Spec
		if err := decodeJSON(r.Body, &spec); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		run, err := s.Runs.Spawn(r.Context(), spec)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, run)
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleRunItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("run"))
		return
	}
	runID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		run, err := s.Runs.Get(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	if segments[1] == "cancel" {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if err := s.Runs.Cancel(r.Context(), runID); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"cancelling": runID})
		return
	}
	writeError(w, http.StatusNotFound, errNotFound("run action"))
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}
