package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vesperhq/vesper/internal/agent"
	"github.com/vesperhq/vesper/internal/reasoning"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The UI is served from the same origin; anything else is a
	// browser talking to us from somewhere it shouldn't.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// inboundMsg is what the UI sends: one user turn.
type inboundMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

// outboundMsg is one event streamed back to the UI.
type outboundMsg struct {
	Type      string `json:"type"` // token, tool_start, tool_done, done, error
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Error     string `json:"error,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// wsConn serializes writes; gorilla permits one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg outboundMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	s.logger.Info("web client connected", "remote", r.RemoteAddr)

	for {
		var in inboundMsg
		if err := raw.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("web client read failed", "error", err)
			}
			return
		}
		if in.Type != "message" || in.Text == "" {
			continue
		}

		s.runTurn(r.Context(), conn, &in)
	}
}

// runTurn submits one turn and streams its events back. A turn error
// is reported as an error frame, never dressed up as an answer.
func (s *Server) runTurn(ctx context.Context, conn *wsConn, in *inboundMsg) {
	turn := &agent.Turn{
		SessionID: in.SessionID,
		Channel:   "web",
		Text:      in.Text,
	}

	callback := func(ev reasoning.StreamEvent) {
		var out outboundMsg
		switch ev.Kind {
		case reasoning.KindToken:
			out = outboundMsg{Type: "token", Text: ev.Token}
		case reasoning.KindToolCallStart:
			out = outboundMsg{Type: "tool_start", Tool: ev.ToolCall.Function.Name}
		case reasoning.KindToolCallDone:
			out = outboundMsg{Type: "tool_done", Tool: ev.ToolName, Error: ev.ToolError}
		default:
			return
		}
		if err := conn.send(out); err != nil {
			s.logger.Debug("stream write failed", "error", err)
		}
	}

	result, err := s.agent.HandleTurn(ctx, turn, callback)
	if err != nil {
		s.logger.Error("web turn failed", "error", err)
		_ = conn.send(outboundMsg{Type: "error", Error: err.Error()})
		return
	}

	_ = conn.send(outboundMsg{
		Type:      "done",
		SessionID: result.SessionID,
		Text:      result.Text,
		Truncated: result.Truncated,
	})
}
