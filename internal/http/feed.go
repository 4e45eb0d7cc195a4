package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"attendkaro/attendance/internal/attendance"
	"attendkaro/attendance/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 512
)

type feedMessage struct {
	Type  string           `json:"type"`
	Token *qrTokenResponse `json:"token,omitempty"`
	Error string           `json:"error,omitempty"`
}

// handleTokenFeed pushes a fresh token to a display on every refresh tick
// until the session stops being ACTIVE or the display disconnects.
func (s *Server) handleTokenFeed(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	// Reject ended and unknown sessions before upgrading.
	first, err := s.sessions.ActiveToken(r.Context(), sessionID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go readUntilClosed(conn, cancel)

	logger := s.logger.With(logging.SessionID(sessionID), logging.Component("token_feed"))
	logger.DebugContext(ctx, "display feed connected")
	if err := s.streamTokens(ctx, conn, sessionID, first); err != nil {
		logger.DebugContext(ctx, "display feed closed", logging.Error(err))
	}
}

func (s *Server) streamTokens(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID, active attendance.ActiveToken) error {
	refresh := active.Refresh
	if refresh <= 0 {
		refresh = s.cfg.QRRefreshInterval
	}
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		payload := tokenPayload(active)
		if err := writeFeed(conn, feedMessage{Type: "token", Token: &payload}); err != nil {
			return err
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var err error
		active, err = s.sessions.ActiveToken(ctx, sessionID)
		if err != nil {
			code := attendance.CodeOf(err)
			if code == "" {
				code = "server_error"
				s.logger.ErrorContext(ctx, "token feed refresh failed", logging.SessionID(sessionID), logging.Error(err))
			}
			_ = writeFeed(conn, feedMessage{Type: "closed", Error: code})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, code),
				time.Now().Add(writeWait))
			if attendance.KindOf(err) == attendance.KindTransient {
				return err
			}
			return nil
		}
	}
}

func writeFeed(conn *websocket.Conn, msg feedMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readUntilClosed drains client frames so close and pong frames are
// processed, and cancels the feed once the connection drops.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("display feed read error", logging.Error(err))
			}
			return
		}
	}
}
