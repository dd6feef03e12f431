package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"pulserelay/internal/alertloop"
	"pulserelay/internal/auth"
	"pulserelay/internal/logsink"
	"pulserelay/internal/middleware"
	"pulserelay/internal/observability"
	"pulserelay/internal/push"
	"pulserelay/internal/ratelimit"
	"pulserelay/internal/repository"
	"pulserelay/internal/statemachine"
	"pulserelay/internal/watchdog"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// Deps collects the router's collaborators. All fields are required.
type Deps struct {
	Auth         *auth.Auth
	Sessions     repository.SessionRepository
	Devices      repository.DeviceRepository
	Users        repository.UserRepository
	Hubs         repository.HubRepository
	StateMachine *statemachine.StateMachine
	Watchdog     *watchdog.Watchdog
	Limiter      *ratelimit.Limiter
	LogSink      *logsink.Sink
	AlertLoop    *alertloop.Loop
	Pusher       *push.Sender
	Metrics      *observability.RouterMetrics

	// ServerVersion is echoed in the connected frame so clients can
	// surface a compatibility warning.
	ServerVersion string
}

// Router is the single /ws hub: it owns every live socket, dispatches
// inbound frames by type, and fans server-originated events out to
// peer sockets of the same user (spec §4.1).
type Router struct {
	deps Deps

	mu          sync.RWMutex
	byClientID  map[string]*Socket
	byUserID    map[uint]map[string]*Socket
	bySessionID map[uint]*Socket
}

// New constructs a Router. It holds no WebSocket state of its own until
// HandleConnection is called by the Fiber websocket upgrade handler.
func New(deps Deps) *Router {
	return &Router{
		deps:        deps,
		byClientID:  make(map[string]*Socket),
		byUserID:    make(map[uint]map[string]*Socket),
		bySessionID: make(map[uint]*Socket),
	}
}

// HandleConnection is the gofiber/websocket handler for /ws. It blocks
// for the lifetime of the connection; the caller's goroutine (one per
// socket, assigned by the Fiber websocket middleware) is the "OS
// thread" spec §5 describes for inbound processing.
func (r *Router) HandleConnection(conn *websocket.Conn) {
	clientID := uuid.NewString()
	s := newSocket(clientID, conn)

	r.mu.Lock()
	r.byClientID[clientID] = s
	r.mu.Unlock()

	if r.deps.Metrics != nil {
		r.deps.Metrics.ConnectionOpened(string(RoleUnauth))
	}

	s.TrySend(marshal(connectedFrame{
		Type:          "connected",
		ClientID:      clientID,
		ServerVersion: r.deps.ServerVersion,
		Timestamp:     nowMillis(),
	}))

	go r.writePump(s)
	r.readPump(s) // blocks until the socket closes
}

// handleClose runs once per socket, from the tail of readPump, whether
// the close was clean or abrupt. It always unregisters the socket; for
// an authenticated producer it additionally emits
// session_connection_lost immediately and hands the session to the
// watchdog's grace path rather than disconnecting it outright (spec
// §4.1, "Socket close").
func (r *Router) handleClose(s *Socket) {
	role, authenticated, userID, sessionID := s.snapshot()

	r.mu.Lock()
	delete(r.byClientID, s.ClientID)
	if peers, ok := r.byUserID[userID]; ok {
		delete(peers, s.ClientID)
		if len(peers) == 0 {
			delete(r.byUserID, userID)
		}
	}
	if role == RoleProducer {
		delete(r.bySessionID, sessionID)
	}
	r.mu.Unlock()

	close(s.Send)
	r.deps.Limiter.Forget(s.ClientID)

	if r.deps.Metrics != nil {
		r.deps.Metrics.ConnectionClosed(string(role))
	}

	if !authenticated || role != RoleProducer {
		return
	}

	r.fanOutToConsumers(userID, marshal(sessionConnectionLostFrame{
		Type:      "session_connection_lost",
		SessionID: sessionID,
		Timestamp: nowMillis(),
	}))

	r.deps.Watchdog.GraceClose(watchdog.Identity{ClientID: s.ClientID, SessionID: sessionID, UserID: userID})
}

// dispatch decodes the envelope and routes to the producer or consumer
// handler. Malformed JSON and unknown types both yield INVALID_MESSAGE
// without closing the socket (spec §4.1).
func (r *Router) dispatch(s *Socket, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		middleware.Logger.Warn("router: malformed frame", slog.String("client_id", s.ClientID), slog.String("err", err.Error()))
		s.TrySend(newErrorFrame(codeInvalidMessage, "malformed JSON frame"))
		return
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.RecordEvent(env.Type)
	}

	role, authenticated, _, _ := s.snapshot()

	switch env.Type {
	case "connect":
		if authenticated {
			s.TrySend(newErrorFrame(codeInvalidMessage, "already authenticated"))
			return
		}
		r.handleProducerConnect(s, raw)
		return

	case "authenticate":
		if authenticated {
			s.TrySend(newErrorFrame(codeInvalidMessage, "already authenticated"))
			return
		}
		r.handleConsumerAuthenticate(s, raw)
		return

	case "register_device":
		if authenticated {
			s.TrySend(newErrorFrame(codeInvalidMessage, "already authenticated"))
			return
		}
		r.handleRegisterDevice(s, raw)
		return

	case "heartbeat", "ping":
		if !authenticated {
			return // ignored until authenticated, per spec §4.1
		}
		if role != RoleProducer {
			s.TrySend(newErrorFrame(codeInvalidMessage, "heartbeat requires producer role"))
			return
		}
		r.handleHeartbeat(s)
		return

	case "status", "log", "notify", "alert", "disconnect":
		if !authenticated {
			s.TrySend(newErrorFrame(codeNotAuthenticated, "authenticate first"))
			return
		}
		if role != RoleProducer {
			s.TrySend(newErrorFrame(codeInvalidMessage, env.Type+" requires producer role"))
			return
		}
		r.dispatchProducerMessage(s, env.Type, raw)
		return

	case "command":
		if !authenticated {
			s.TrySend(newErrorFrame(codeNotAuthenticated, "authenticate first"))
			return
		}
		if role != RoleConsumer {
			s.TrySend(newErrorFrame(codeInvalidMessage, "command requires consumer role"))
			return
		}
		r.handleConsumerCommand(s, raw)
		return

	default:
		s.TrySend(newErrorFrame(codeInvalidMessage, "unknown frame type: "+env.Type))
	}
}

// fanOutToConsumers sends message to every live, authenticated consumer
// socket owned by userID, best-effort (spec §4.1 fan-out semantics).
func (r *Router) fanOutToConsumers(userID uint, message []byte) {
	r.mu.RLock()
	peers := make([]*Socket, 0, len(r.byUserID[userID]))
	for _, sock := range r.byUserID[userID] {
		peers = append(peers, sock)
	}
	r.mu.RUnlock()

	for _, sock := range peers {
		role, authenticated, _, _ := sock.snapshot()
		if authenticated && role == RoleConsumer {
			sock.TrySend(message)
		}
	}
}

// registerProducer indexes an authenticated producer socket by both its
// owning user and its session id.
func (r *Router) registerProducer(s *Socket, userID, sessionID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUserID[userID] == nil {
		r.byUserID[userID] = make(map[string]*Socket)
	}
	r.byUserID[userID][s.ClientID] = s
	r.bySessionID[sessionID] = s
}

// registerConsumer indexes an authenticated consumer socket by its
// owning user.
func (r *Router) registerConsumer(s *Socket, userID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byUserID[userID] == nil {
		r.byUserID[userID] = make(map[string]*Socket)
	}
	r.byUserID[userID][s.ClientID] = s
}

// findProducerBySession returns the live producer socket for sessionID
// if one exists and belongs to userID (consumer command authorization,
// spec §4.1 consumer dispatch).
func (r *Router) findProducerBySession(sessionID, userID uint) *Socket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sock, ok := r.bySessionID[sessionID]
	if !ok {
		return nil
	}
	_, authenticated, sockUserID, _ := sock.snapshot()
	if !authenticated || sockUserID != userID {
		return nil
	}
	return sock
}

// Shutdown disconnects every live producer with reason server-shutdown
// (spec §4.4 "Startup reconciliation" and §5 shutdown-signal ordering),
// cancels their watchdog timers, and closes every socket. It does not
// accept new connections; the caller stops routing to HandleConnection
// before calling this.
func (r *Router) Shutdown(ctx context.Context) {
	r.mu.RLock()
	sockets := make([]*Socket, 0, len(r.byClientID))
	for _, s := range r.byClientID {
		sockets = append(sockets, s)
	}
	r.mu.RUnlock()

	for _, s := range sockets {
		role, authenticated, _, _ := s.snapshot()
		if authenticated && role == RoleProducer {
			if _, err := r.deps.StateMachine.DisconnectByClientID(ctx, s.ClientID, "server-shutdown", "Server restarted"); err != nil {
				middleware.Logger.Warn("router: shutdown disconnect failed", slog.String("client_id", s.ClientID), slog.String("err", err.Error()))
			}
		}
		_ = s.Conn.Close()
	}
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// hubNameFor resolves a hub id to its display name, defaulting to the
// empty string if the hub cannot be loaded.
func (r *Router) hubNameFor(ctx context.Context, hubID uint) string {
	hub, err := r.deps.Hubs.GetByID(ctx, hubID)
	if err != nil || hub == nil {
		return ""
	}
	return hub.Name
}
