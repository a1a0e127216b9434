package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/prayerfeed/internal/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// wsMessage is the WebSocket framing of one event. Data is absent when the
// message only advances the resume point.
type wsMessage struct {
	ID   uint64         `json:"id"`
	Data *types.Payload `json:"data,omitempty"`
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(event types.ChangeEvent) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	payload := event.Payload()
	return s.conn.WriteJSON(wsMessage{ID: event.Seq, Data: &payload})
}

func (s *wsSink) Advance(seq uint64) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(wsMessage{ID: seq})
}

func (s *wsSink) KeepAlive() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	release, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients never send data; reading surfaces the close and the pongs
	// answering keep-alive pings. A peer that misses two pings is gone.
	conn.SetReadLimit(maxMessageSize)
	if keepAlive := s.hub.KeepAlive(); keepAlive > 0 {
		pongWait := 2 * keepAlive
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
	}
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	req := s.request(r)
	if err := s.hub.Serve(ctx, &wsSink{conn: conn}, req); err != nil {
		slog.Debug("ws stream ended", "remote", r.RemoteAddr, "viewer", string(req.Viewer), "error", err)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
