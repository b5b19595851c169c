package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/flitsinc/go-sessions/internal/eventbus"
	"github.com/flitsinc/go-sessions/internal/protocol"
	"github.com/flitsinc/go-sessions/internal/session"
	"github.com/flitsinc/go-sessions/internal/state"
)

// wsTransport adapts a websocket connection to the session transport
// contract. A close from the peer surfaces as io.EOF so the router can tell
// a clean disconnect from a broken transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Send(ctx context.Context, event protocol.Outbound) error {
	data, err := protocol.EncodeOutbound(event)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// handleChatWS hosts one interactive session per connection. An optional
// session_id query parameter resumes a persisted conversation: the client
// gets its history replayed, and the runtime is seeded with a condensed
// transcript.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	transport := &wsTransport{conn: conn}

	engine := session.New(session.Deps{
		Runtime:           s.Runtime,
		Store:             s.Store,
		Bus:               s.Bus,
		Embedder:          s.Embedder,
		Registry:          s.Registry,
		Transport:         transport,
		WorkingDir:        s.WorkingDir,
		Model:             s.Model,
		PermissionTimeout: s.PermissionTimeout,
	})
	defer engine.Close()

	var resume []state.Message
	var runtimeSessionID string
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" {
		sess, err := s.Store.GetSession(ctx, sessionID)
		if err != nil {
			_ = transport.Send(ctx, protocol.Outbound{Type: protocol.TypeError, Data: protocol.ErrorData{Message: "session not found"}})
			_ = conn.Close(websocket.StatusPolicyViolation, "unknown session")
			return
		}
		engine.AttachSession(sess.ID)
		runtimeSessionID = sess.RuntimeSessionID

		resume, err = s.Store.ListMessages(ctx, sess.ID)
		if err != nil {
			log.Printf("session %s: load history: %v", sess.ID, err)
		}
	}

	_ = transport.Send(ctx, protocol.Outbound{Type: protocol.TypeInit, Data: protocol.InitData{SessionID: engine.SessionID()}})
	if len(resume) > 0 {
		_ = transport.Send(ctx, protocol.Outbound{Type: protocol.TypeSessionHistory, Data: map[string]any{"messages": resume}})
		s.replayActivity(ctx, transport, engine.SessionID())
	}
	_ = transport.Send(ctx, protocol.Outbound{Type: protocol.TypeRegistryUpdate, Data: s.Registry})

	if err := engine.Initialize(ctx, resume, runtimeSessionID); err != nil {
		log.Printf("session %s: initialize: %v", engine.SessionID(), err)
		_ = transport.Send(ctx, protocol.Outbound{Type: protocol.TypeError, Data: protocol.ErrorData{Message: "failed to connect agent runtime"}})
		_ = conn.Close(websocket.StatusInternalError, "runtime connect failed")
		return
	}

	if err := engine.Serve(ctx); err != nil {
		log.Printf("session %s: serve: %v", engine.SessionID(), err)
		_ = conn.Close(websocket.StatusInternalError, "session error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Server) replayActivity(ctx context.Context, transport *wsTransport, sessionID string) {
	if sessionID == "" || s.Bus == nil {
		return
	}
	events, err := s.Bus.List(ctx, eventbus.StreamActivity, eventbus.ListOptions{SessionID: sessionID, Limit: 200})
	if err != nil {
		log.Printf("session %s: load activity: %v", sessionID, err)
		return
	}
	if len(events) > 0 {
		_ = transport.Send(ctx, protocol.Outbound{Type: protocol.TypeActivityHistory, Data: map[string]any{"events": events}})
	}
}
