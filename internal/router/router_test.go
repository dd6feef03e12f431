package router

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"pulserelay/internal/alertloop"
	"pulserelay/internal/auth"
	"pulserelay/internal/config"
	"pulserelay/internal/featureflags"
	"pulserelay/internal/logsink"
	"pulserelay/internal/models"
	"pulserelay/internal/observability"
	"pulserelay/internal/push"
	"pulserelay/internal/ratelimit"
	"pulserelay/internal/repository"
	"pulserelay/internal/statemachine"
	"pulserelay/internal/testutil"
	"pulserelay/internal/watchdog"

	"github.com/gofiber/fiber/v2"
	gofiberws "github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testHarness spins up a real Fiber app exposing /ws, wired exactly the
// way internal/server/server.go does it, listening on a loopback TCP
// port so a genuine gorilla/websocket client can dial it end to end.
type testHarness struct {
	addr string
	db   *gorm.DB
	sm   *statemachine.StateMachine
	auth *auth.Auth
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db := testutil.NewDB(t)

	sessions := repository.NewSessionRepository(db)
	hubs := repository.NewHubRepository(db)
	users := repository.NewUserRepository(db)
	logs := repository.NewSessionLogRepository(db)
	devices := repository.NewDeviceRepository(db)
	alerts := repository.NewActiveAlertRepository(db)

	pusher := push.NewSender(devices, &config.Config{})
	loop := alertloop.New(alerts, users, pusher, time.Hour, models.DefaultMaxNotifications)

	var sm *statemachine.StateMachine
	wd := watchdog.New(time.Second, time.Second,
		func(identity watchdog.Identity) { _, _ = sm.Timeout(context.Background(), identity) },
		func(string) {},
	)
	sm = statemachine.New(sessions, hubs, users, logs, wd, pusher, loop)

	a := auth.New(hubs, users, featureflags.NewManager(""), sm, "test-router-jwt-secret-32-bytes!!")

	rt := New(Deps{
		Auth:          a,
		Sessions:      sessions,
		Devices:       devices,
		Users:         users,
		Hubs:          hubs,
		StateMachine:  sm,
		Watchdog:      wd,
		Limiter:       ratelimit.New(ratelimit.Config{Status: ratelimit.Window{Max: 100, WindowMs: 1000}}),
		LogSink:       logsink.New(logs),
		AlertLoop:     loop,
		Pusher:        pusher,
		Metrics:       observability.NewRouterMetrics(),
		ServerVersion: "test",
	})

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use("/ws", func(c *fiber.Ctx) error {
		if gofiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", gofiberws.New(rt.HandleConnection))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return &testHarness{addr: ln.Addr().String(), db: db, sm: sm, auth: a}
}

func (h *testHarness) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", h.addr)
	var conn *gorillaws.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, _, err = gorillaws.DefaultDialer.Dial(url, nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "failed to dial: %v", err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *gorillaws.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

// spec §8 scenario A: connect, authenticate, status/log/notify round
// trip, clean disconnect.
func TestRouter_ProducerConsumerLifecycle(t *testing.T) {
	h := newTestHarness(t)
	user, rawUserToken := testutil.NewUser(t, h.db)
	hub, rawHubKey := testutil.NewHub(t, h.db)

	producer := h.dial(t)
	var connected map[string]interface{}
	readJSON(t, producer, &connected)
	require.Equal(t, "connected", connected["type"])

	require.NoError(t, producer.WriteJSON(map[string]interface{}{
		"type":      "connect",
		"hubKey":    rawHubKey,
		"userToken": rawUserToken,
		"gameInfo":  map[string]interface{}{"gameName": "Farming Sim", "placeId": 42, "jobId": "job-1"},
	}))

	var authed map[string]interface{}
	readJSON(t, producer, &authed)
	require.Equal(t, "authenticated", authed["type"])
	require.NotZero(t, authed["sessionId"])

	consumer := h.dial(t)
	var consumerConnected map[string]interface{}
	readJSON(t, consumer, &consumerConnected)

	bearer := issueBearerJWT(t, user.ID)
	require.NoError(t, consumer.WriteJSON(map[string]interface{}{"type": "authenticate", "token": bearer}))

	var consumerAuthed map[string]interface{}
	readJSON(t, consumer, &consumerAuthed)
	require.Equal(t, "authenticated", consumerAuthed["type"])

	require.NoError(t, producer.WriteJSON(map[string]interface{}{"type": "status", "status": "farming"}))
	var statusUpdate map[string]interface{}
	readJSON(t, consumer, &statusUpdate)
	require.Equal(t, "status_update", statusUpdate["type"])
	require.Equal(t, "farming", statusUpdate["status"])

	require.NoError(t, producer.WriteJSON(map[string]interface{}{"type": "disconnect", "reason": "manual"}))
	var ended map[string]interface{}
	readJSON(t, consumer, &ended)
	require.Equal(t, "session_ended", ended["type"])

	_ = hub
}

// spec §8 scenario D: the Nth+1 rate-limited message within a window is
// rejected with RATE_LIMITED, without closing the socket.
func TestRouter_RateLimitRejectsExcessMessages(t *testing.T) {
	h := newTestHarness(t)
	_, rawUserToken := testutil.NewUser(t, h.db)
	_, rawHubKey := testutil.NewHub(t, h.db)

	producer := h.dial(t)
	var connected map[string]interface{}
	readJSON(t, producer, &connected)

	require.NoError(t, producer.WriteJSON(map[string]interface{}{
		"type": "connect", "hubKey": rawHubKey, "userToken": rawUserToken,
		"gameInfo": map[string]interface{}{"gameName": "G"},
	}))
	var authed map[string]interface{}
	readJSON(t, producer, &authed)

	for i := 0; i < 100; i++ {
		require.NoError(t, producer.WriteJSON(map[string]interface{}{"type": "status", "status": fmt.Sprintf("s%d", i)}))
	}
	require.NoError(t, producer.WriteJSON(map[string]interface{}{"type": "status", "status": "overflow"}))

	var lastErr map[string]interface{}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		var frame map[string]interface{}
		readJSON(t, producer, &frame)
		if frame["type"] == "error" && frame["code"] == "RATE_LIMITED" {
			lastErr = frame
			break
		}
	}
	require.Equal(t, "RATE_LIMITED", lastErr["code"])
}

// spec §4.1 consumer dispatch: a consumer cannot command a session that
// belongs to another user.
func TestRouter_ConsumerCommandDeniedForForeignSession(t *testing.T) {
	h := newTestHarness(t)
	owner, rawOwnerToken := testutil.NewUser(t, h.db)
	stranger, _ := testutil.NewUser(t, h.db)
	_, rawHubKey := testutil.NewHub(t, h.db)

	producer := h.dial(t)
	var connected map[string]interface{}
	readJSON(t, producer, &connected)
	require.NoError(t, producer.WriteJSON(map[string]interface{}{
		"type": "connect", "hubKey": rawHubKey, "userToken": rawOwnerToken,
		"gameInfo": map[string]interface{}{"gameName": "G"},
	}))
	var authed map[string]interface{}
	readJSON(t, producer, &authed)
	sessionID := authed["sessionId"]

	strangerConn := h.dial(t)
	var strangerConnected map[string]interface{}
	readJSON(t, strangerConn, &strangerConnected)
	require.NoError(t, strangerConn.WriteJSON(map[string]interface{}{"type": "authenticate", "token": issueBearerJWT(t, stranger.ID)}))
	var strangerAuthed map[string]interface{}
	readJSON(t, strangerConn, &strangerAuthed)

	require.NoError(t, strangerConn.WriteJSON(map[string]interface{}{"type": "command", "sessionId": sessionID, "command": "pause"}))
	var resp map[string]interface{}
	readJSON(t, strangerConn, &resp)
	require.Equal(t, "error", resp["type"])
	require.Equal(t, "SESSION_NOT_FOUND", resp["code"])
}

func issueBearerJWT(t *testing.T, userID uint) string {
	t.Helper()
	return mustSignJWT(t, userID, "test-router-jwt-secret-32-bytes!!")
}

func mustSignJWT(t *testing.T, userID uint, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": fmt.Sprintf("%d", userID),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}
