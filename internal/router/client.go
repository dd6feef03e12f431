// Package router implements the WebSocket message router: the single
// /ws endpoint's connection registry, authentication, per-type dispatch,
// and fan-out to peer sockets of the same user (spec §4.1).
package router

import (
	"log/slog"
	"sync"
	"time"

	"pulserelay/internal/middleware"
	"pulserelay/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16384

	// sendBufferSize bounds the per-socket outbound queue. A socket whose
	// peer stops reading drops frames past this depth rather than
	// blocking the sender (spec §5: "outbound WS sends when the peer is
	// not ready" is a suspension point, never a block on the fan-out
	// path).
	sendBufferSize = 256
)

// Role distinguishes the two socket kinds the router accepts.
type Role string

const (
	RoleUnauth   Role = "unauth"
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// Socket is one live WebSocket connection and the router-assigned
// identity bound to it. A fresh connection starts RoleUnauth with a
// zero UserID/SessionID; authentication populates the rest in place.
type Socket struct {
	ClientID string
	Conn     *websocket.Conn
	Send     chan []byte

	mu            sync.RWMutex
	role          Role
	authenticated bool
	userID        uint
	sessionID     uint
	gameName      string
	hubName       string
}

func newSocket(clientID string, conn *websocket.Conn) *Socket {
	return &Socket{
		ClientID: clientID,
		Conn:     conn,
		Send:     make(chan []byte, sendBufferSize),
		role:     RoleUnauth,
	}
}

func (s *Socket) snapshot() (Role, bool, uint, uint) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role, s.authenticated, s.userID, s.sessionID
}

func (s *Socket) markProducer(userID, sessionID uint, gameName, hubName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = RoleProducer
	s.authenticated = true
	s.userID = userID
	s.sessionID = sessionID
	s.gameName = gameName
	s.hubName = hubName
}

func (s *Socket) markConsumer(userID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = RoleConsumer
	s.authenticated = true
	s.userID = userID
}

// TrySend enqueues message without blocking. If the socket's buffer is
// already full, the frame is dropped and, best-effort, a
// "messages_dropped" notice is queued in its place so the peer can
// detect the gap (mirrors the teacher's backpressure-drop discipline).
func (s *Socket) TrySend(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.WebSocketBackpressureDrops.WithLabelValues("router", "closed").Inc()
		}
	}()

	select {
	case s.Send <- message:
	default:
		observability.WebSocketBackpressureDrops.WithLabelValues("router", "full").Inc()
		dropNotice := []byte(`{"type":"error","code":"BACKPRESSURE","message":"messages were dropped, buffer full"}`)
		select {
		case s.Send <- dropNotice:
		default:
		}
	}
}

// readPump pumps inbound frames from the socket to handler, until the
// connection closes or errors. It always ends by calling r.handleClose.
func (r *Router) readPump(s *Socket) {
	defer r.handleClose(s)

	s.Conn.SetReadLimit(maxMessageSize)
	_ = s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		_ = s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				middleware.Logger.Debug("router: read pump closed", slog.String("client_id", s.ClientID), slog.String("err", err.Error()))
			}
			return
		}
		r.dispatch(s, message)
	}
}

// writePump pumps outbound frames from Send to the socket, and keeps it
// alive with periodic pings.
func (r *Router) writePump(s *Socket) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := s.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
