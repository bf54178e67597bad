package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/keshon/chorus/internal/mind"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin API binds to loopback by default.
	CheckOrigin: func(*http.Request) bool { return true },
}

const previewWriteWait = 10 * time.Second

// previewRequest is one client frame on /ws/preview.
type previewRequest struct {
	Persona string `json:"persona"`
	Channel string `json:"channel"`
	Content string `json:"content"`
}

// previewFrame is one server frame: a chunk, the final reply or an error.
type previewFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// preview answers each request frame with streamed chunk frames followed
// by a done or error frame. The connection serves requests until the
// client closes it.
func (s *Server) preview(c *gin.Context) {
	if s.deps.Runner == nil {
		abort(c, http.StatusServiceUnavailable, "preview is not available")
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	write := func(f previewFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(previewWriteWait))
		return conn.WriteJSON(f)
	}

	for {
		var req previewRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("preview connection closed")
			}
			return
		}
		if req.Persona == "" || req.Content == "" {
			if write(previewFrame{Type: "error", Error: "persona and content are required"}) != nil {
				return
			}
			continue
		}
		if req.Channel == "" {
			req.Channel = "preview"
		}

		reply, err := s.deps.Runner.Preview(ctx, req.Persona, req.Channel, req.Content, func(chunk string) error {
			return write(previewFrame{Type: "chunk", Text: chunk})
		})
		switch {
		case errors.Is(err, context.Canceled):
			return
		case errors.Is(err, mind.ErrUnknownPersona):
			err = write(previewFrame{Type: "error", Error: "unknown persona " + req.Persona})
		case err != nil:
			s.log.Warn().Err(err).Str("persona", req.Persona).Msg("preview failed")
			err = write(previewFrame{Type: "error", Error: err.Error()})
		default:
			err = write(previewFrame{Type: "done", Reply: reply})
		}
		if err != nil {
			return
		}
	}
}
