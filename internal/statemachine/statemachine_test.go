package statemachine

import (
	"context"
	"testing"
	"time"

	"pulserelay/internal/alertloop"
	"pulserelay/internal/config"
	"pulserelay/internal/models"
	"pulserelay/internal/push"
	"pulserelay/internal/repository"
	"pulserelay/internal/testutil"
	"pulserelay/internal/watchdog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// buildSM wires a StateMachine against a fresh in-memory database, a
// watchdog whose fire callback re-enters sm.Timeout (mirroring
// bootstrap.BuildRuntime's wiring), and a push sender with no service
// URL configured so delivery always fails fast without a network call.
func buildSM(t *testing.T) (*StateMachine, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)

	sessions := repository.NewSessionRepository(db)
	hubs := repository.NewHubRepository(db)
	users := repository.NewUserRepository(db)
	logs := repository.NewSessionLogRepository(db)
	alerts := repository.NewActiveAlertRepository(db)

	pusher := push.NewSender(repository.NewDeviceRepository(db), &config.Config{})
	loop := alertloop.New(alerts, users, pusher, 10*time.Second, models.DefaultMaxNotifications)

	var sm *StateMachine
	wd := watchdog.New(30*time.Second, 5*time.Second,
		func(identity watchdog.Identity) { _, _ = sm.Timeout(context.Background(), identity) },
		func(string) {},
	)
	sm = New(sessions, hubs, users, logs, wd, pusher, loop)
	return sm, db
}

func TestCreateSession_NewThenReactivate(t *testing.T) {
	sm, db := buildSM(t)
	ctx := context.Background()

	user, _ := testutil.NewUser(t, db)
	hub, _ := testutil.NewHub(t, db)

	session, err := sm.CreateSession(ctx, NewSessionParams{
		WSClientID: "client-1",
		UserID:     user.ID,
		HubID:      hub.ID,
		GameName:   "Farming Sim",
		PlaceID:    123,
		JobID:      "job-1",
	})
	require.NoError(t, err)
	assert.True(t, session.IsActive())
	assert.True(t, sm.watchdog.Active("client-1"))

	var reloadedHub models.Hub
	require.NoError(t, db.First(&reloadedHub, hub.ID).Error)
	assert.Equal(t, int64(1), reloadedHub.TotalConnections)

	// Disconnect, then reconnect under the same ephemeral client id: the
	// existing row is reactivated in place, not duplicated (spec §4.4
	// createSession contract).
	_, err = sm.DisconnectByClientID(ctx, "client-1", models.DisconnectReasonManual, "bye")
	require.NoError(t, err)
	assert.False(t, sm.watchdog.Active("client-1"))

	reactivated, err := sm.CreateSession(ctx, NewSessionParams{
		WSClientID: "client-1",
		UserID:     user.ID,
		HubID:      hub.ID,
		GameName:   "Farming Sim 2",
		PlaceID:    456,
		JobID:      "job-2",
	})
	require.NoError(t, err)
	assert.Equal(t, session.ID, reactivated.ID)
	assert.True(t, reactivated.IsActive())
	assert.Equal(t, "Farming Sim 2", reactivated.GameName)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("ws_client_id = ?", "client-1").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDisconnectByClientID_NoWatchdogTimerRemains(t *testing.T) {
	sm, db := buildSM(t)
	ctx := context.Background()

	user, _ := testutil.NewUser(t, db)
	hub, _ := testutil.NewHub(t, db)

	_, err := sm.CreateSession(ctx, NewSessionParams{WSClientID: "c1", UserID: user.ID, HubID: hub.ID, GameName: "G"})
	require.NoError(t, err)
	require.True(t, sm.watchdog.Active("c1"))

	session, err := sm.DisconnectByClientID(ctx, "c1", models.DisconnectReasonManual, "done")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusDisconnected, session.Status)
	assert.False(t, sm.watchdog.Active("c1"))
}

func TestTimeout_QuietHoursSuppressesAlert(t *testing.T) {
	sm, db := buildSM(t)
	ctx := context.Background()

	now := time.Now().UTC()
	nowMin := now.Hour()*60 + now.Minute()
	// Build a quiet-hours window that always contains "now": [now-1, now+1).
	start := (nowMin - 1 + 1440) % 1440
	end := (nowMin + 1) % 1440

	user, _ := testutil.NewUser(t, db, testutil.WithQuietHours(start, end))
	hub, _ := testutil.NewHub(t, db)

	_, err := sm.CreateSession(ctx, NewSessionParams{WSClientID: "c1", UserID: user.ID, HubID: hub.ID, GameName: "G"})
	require.NoError(t, err)

	sessRow, err := (&sessionLookup{db: db}).byClientID("c1")
	require.NoError(t, err)

	outcome, err := sm.Timeout(ctx, watchdog.Identity{ClientID: "c1", SessionID: sessRow.ID, UserID: user.ID})
	require.NoError(t, err)
	assert.True(t, outcome.QuietHours)
	assert.False(t, outcome.AlertSent)
	assert.Equal(t, models.SessionStatusTimeout, outcome.Session.Status)
}

func TestTimeout_FiresAlertOutsideQuietHours(t *testing.T) {
	sm, db := buildSM(t)
	ctx := context.Background()

	user, _ := testutil.NewUser(t, db)
	hub, _ := testutil.NewHub(t, db)

	_, err := sm.CreateSession(ctx, NewSessionParams{WSClientID: "c1", UserID: user.ID, HubID: hub.ID, GameName: "G"})
	require.NoError(t, err)

	sessRow, err := (&sessionLookup{db: db}).byClientID("c1")
	require.NoError(t, err)

	outcome, err := sm.Timeout(ctx, watchdog.Identity{ClientID: "c1", SessionID: sessRow.ID, UserID: user.ID})
	require.NoError(t, err)
	assert.False(t, outcome.QuietHours)
	assert.True(t, outcome.AlertSent)
	assert.Equal(t, models.SessionStatusTimeout, outcome.Session.Status)

	var logCount int64
	require.NoError(t, db.Model(&models.SessionLog{}).Where("session_id = ? AND level = ?", sessRow.ID, models.LogLevelError).Count(&logCount).Error)
	assert.Equal(t, int64(1), logCount)
}

func TestTimeout_IsIdempotentAgainstNonActiveSession(t *testing.T) {
	sm, db := buildSM(t)
	ctx := context.Background()

	user, _ := testutil.NewUser(t, db)
	hub, _ := testutil.NewHub(t, db)

	_, err := sm.CreateSession(ctx, NewSessionParams{WSClientID: "c1", UserID: user.ID, HubID: hub.ID, GameName: "G"})
	require.NoError(t, err)

	sessRow, err := (&sessionLookup{db: db}).byClientID("c1")
	require.NoError(t, err)

	_, err = sm.DisconnectByClientID(ctx, "c1", models.DisconnectReasonManual, "bye")
	require.NoError(t, err)

	// A duplicate watchdog fire racing the state machine's own
	// transition must be a no-op, not an error (spec §5).
	outcome, err := sm.Timeout(ctx, watchdog.Identity{ClientID: "c1", SessionID: sessRow.ID, UserID: user.ID})
	require.NoError(t, err)
	assert.False(t, outcome.AlertSent)
	assert.Equal(t, models.SessionStatusDisconnected, outcome.Session.Status)
}

func TestDisconnectAllForUser_StopsEveryWatchdogTimer(t *testing.T) {
	sm, db := buildSM(t)
	ctx := context.Background()

	user, _ := testutil.NewUser(t, db)
	hub, _ := testutil.NewHub(t, db)

	_, err := sm.CreateSession(ctx, NewSessionParams{WSClientID: "c1", UserID: user.ID, HubID: hub.ID, GameName: "G1"})
	require.NoError(t, err)
	_, err = sm.CreateSession(ctx, NewSessionParams{WSClientID: "c2", UserID: user.ID, HubID: hub.ID, GameName: "G2"})
	require.NoError(t, err)

	count, err := sm.DisconnectAllForUser(ctx, user.ID, models.DisconnectReasonTokenRevoked, "token regenerated")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.False(t, sm.watchdog.Active("c1"))
	assert.False(t, sm.watchdog.Active("c2"))
}

func TestReconcileOrphaned_MarksActiveSessionsDisconnected(t *testing.T) {
	sm, db := buildSM(t)
	ctx := context.Background()

	user, _ := testutil.NewUser(t, db)
	hub, _ := testutil.NewHub(t, db)

	_, err := sm.CreateSession(ctx, NewSessionParams{WSClientID: "c1", UserID: user.ID, HubID: hub.ID, GameName: "G"})
	require.NoError(t, err)

	count, err := sm.ReconcileOrphaned(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var session models.Session
	require.NoError(t, db.Where("ws_client_id = ?", "c1").First(&session).Error)
	assert.Equal(t, models.SessionStatusDisconnected, session.Status)
	assert.Equal(t, models.DisconnectReasonServerShutdown, session.DisconnectReason)
}

func TestEvaluateQuietHoursAt_BoundaryLaws(t *testing.T) {
	// spec §8: start=23:00 (1380), end=07:00 (420), overnight window.
	start, end := 23*60, 7*60

	assert.True(t, evaluateQuietHoursAt(start, end, 4*60+30), "04:30 must be suppressed")
	assert.False(t, evaluateQuietHoursAt(start, end, 9*60), "09:00 must not be suppressed")
	assert.True(t, evaluateQuietHoursAt(start, end, 23*60+30), "23:30 is inside the overnight window")
	assert.False(t, evaluateQuietHoursAt(start, end, 22*60), "22:00 is outside the overnight window")

	// Non-wrapping window.
	assert.True(t, evaluateQuietHoursAt(60, 120, 90))
	assert.False(t, evaluateQuietHoursAt(60, 120, 30))
	assert.False(t, evaluateQuietHoursAt(60, 120, 120), "end bound is exclusive")
}

// sessionLookup is a tiny test-only helper to fetch the session row a
// fixture CreateSession call produced, since the state machine's public
// surface addresses sessions by ephemeral client id or session id, never
// both at once.
type sessionLookup struct{ db *gorm.DB }

func (l *sessionLookup) byClientID(clientID string) (*models.Session, error) {
	var s models.Session
	if err := l.db.Where("ws_client_id = ?", clientID).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}
