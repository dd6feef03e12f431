// Package statemachine owns the producer session lifecycle: creation,
// heartbeat/status updates, the various disconnect paths, and the
// heartbeat-timeout transition with its quiet-hours suppression and
// life-or-death escalation (spec §4.4). It holds no WebSocket state of
// its own — the router is the only thing that knows about live sockets.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"pulserelay/internal/alertloop"
	"pulserelay/internal/middleware"
	"pulserelay/internal/models"
	"pulserelay/internal/observability"
	"pulserelay/internal/push"
	"pulserelay/internal/repository"
	"pulserelay/internal/watchdog"

	"log/slog"
)

// TimeoutOutcome summarizes what happened when a heartbeat timeout fired,
// so the router can log/emit without re-deriving any of it.
type TimeoutOutcome struct {
	QuietHours     bool
	AlertSent      bool
	AlertDelivered bool
	AlertError     string
	Session        *models.Session
}

// StateMachine coordinates session persistence with the watchdog timer
// that tracks it and the push/alert-loop escalation a timeout triggers.
type StateMachine struct {
	sessions repository.SessionRepository
	hubs     repository.HubRepository
	users    repository.UserRepository
	logs     repository.SessionLogRepository

	watchdog *watchdog.Watchdog
	pusher   *push.Sender
	alerts   *alertloop.Loop
}

// New constructs a StateMachine wired to its store and escalation paths.
func New(
	sessions repository.SessionRepository,
	hubs repository.HubRepository,
	users repository.UserRepository,
	logs repository.SessionLogRepository,
	wd *watchdog.Watchdog,
	pusher *push.Sender,
	alerts *alertloop.Loop,
) *StateMachine {
	return &StateMachine{
		sessions: sessions,
		hubs:     hubs,
		users:    users,
		logs:     logs,
		watchdog: wd,
		pusher:   pusher,
		alerts:   alerts,
	}
}

// NewSessionParams describes the producer identity a new socket
// authenticated as.
type NewSessionParams struct {
	WSClientID string
	UserID     uint
	HubID      uint
	GameName   string
	PlaceID    int64
	JobID      string
	Executor   string
}

// CreateSession creates or reactivates the session row for a freshly
// authenticated producer socket, bumps the hub's lifetime connection
// counter, and arms the heartbeat watchdog for it.
func (sm *StateMachine) CreateSession(ctx context.Context, p NewSessionParams) (*models.Session, error) {
	session, err := sm.sessions.CreateOrReactivate(ctx, &models.Session{
		UserID:     p.UserID,
		HubID:      p.HubID,
		WSClientID: p.WSClientID,
		GameName:   p.GameName,
		PlaceID:    p.PlaceID,
		JobID:      p.JobID,
		Executor:   p.Executor,
	})
	if err != nil {
		return nil, err
	}

	if err := sm.hubs.IncrementTotalConnections(ctx, p.HubID); err != nil {
		middleware.Logger.Warn("statemachine: failed to bump hub connection counter", slog.Uint64("hub_id", uint64(p.HubID)), slog.String("err", err.Error()))
	}

	sm.watchdog.Start(watchdog.Identity{ClientID: p.WSClientID, SessionID: session.ID, UserID: p.UserID})
	observability.SessionsActive.Inc()
	return session, nil
}

// UpdateHeartbeat resets the watchdog for clientID and persists
// last-heartbeat-at. A heartbeat for an unknown client id is a no-op at
// both layers.
func (sm *StateMachine) UpdateHeartbeat(ctx context.Context, wsClientID string) {
	sm.watchdog.Reset(wsClientID)
	if err := sm.sessions.UpdateHeartbeat(ctx, wsClientID); err != nil {
		middleware.Logger.Warn("statemachine: failed to persist heartbeat", slog.String("client_id", wsClientID), slog.String("err", err.Error()))
	}
}

// UpdateStatus persists the producer's latest free-form status string.
func (sm *StateMachine) UpdateStatus(ctx context.Context, wsClientID, status string) error {
	return sm.sessions.UpdateStatus(ctx, wsClientID, status)
}

// DisconnectByClientID performs a clean, non-timeout disconnect (manual
// close, protocol error) for a single session.
func (sm *StateMachine) DisconnectByClientID(ctx context.Context, wsClientID, reason, message string) (*models.Session, error) {
	wasActive := sm.watchdog.Active(wsClientID)
	sm.watchdog.Stop(wsClientID)

	session, err := sm.sessions.DisconnectByClientID(ctx, wsClientID, reason, message)
	if err != nil {
		return nil, err
	}
	if wasActive {
		observability.SessionsActive.Dec()
	}
	return session, nil
}

// DisconnectAllForUser tears down every active session a user has open —
// used by token regeneration and account suspension.
func (sm *StateMachine) DisconnectAllForUser(ctx context.Context, userID uint, reason, message string) (int64, error) {
	active, err := sm.sessions.ListActiveForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	count, err := sm.sessions.DisconnectAllForUser(ctx, userID, reason, message)
	if err != nil {
		return 0, err
	}
	for _, s := range active {
		sm.watchdog.Stop(s.WSClientID)
		observability.SessionsActive.Dec()
	}
	return count, nil
}

// DisconnectAllForHub tears down every active session opened against a
// hub — used when a hub is suspended.
func (sm *StateMachine) DisconnectAllForHub(ctx context.Context, hubID uint, reason, message string) (int64, error) {
	active, err := sm.sessions.ListAllActive(ctx)
	if err != nil {
		return 0, err
	}
	count, err := sm.sessions.DisconnectAllForHub(ctx, hubID, reason, message)
	if err != nil {
		return 0, err
	}
	for _, s := range active {
		if s.HubID != hubID {
			continue
		}
		sm.watchdog.Stop(s.WSClientID)
		observability.SessionsActive.Dec()
	}
	return count, nil
}

// Timeout runs the full heartbeat-timeout path for wsClientID: it
// evaluates quiet hours, writes the durable log line, fans a critical
// push out to the owning user, escalates to the repeating alert loop
// when life-or-death mode is enabled, and finally transitions the
// session to the timeout state (spec §4.4).
func (sm *StateMachine) Timeout(ctx context.Context, identity watchdog.Identity) (*TimeoutOutcome, error) {
	session, err := sm.sessions.GetByID(ctx, identity.SessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return &TimeoutOutcome{Session: session}, nil
	}

	user, err := sm.users.GetByID(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	if user.QuietHoursEnabled && EvaluateQuietHours(user.QuietHoursStart, user.QuietHoursEnd) {
		updated, err := sm.sessions.MarkTimeout(ctx, identity.ClientID, "Heartbeat timeout (quiet hours - no alert)", false, false, "")
		if err != nil {
			return nil, err
		}
		observability.SessionsActive.Dec()
		return &TimeoutOutcome{QuietHours: true, Session: updated}, nil
	}

	if err := sm.logs.Create(ctx, &models.SessionLog{
		SessionID: session.ID,
		UserID:    identity.UserID,
		Level:     models.LogLevelError,
		Message:   "Heartbeat timeout",
	}); err != nil {
		middleware.Logger.Warn("statemachine: failed to persist timeout log", slog.String("client_id", identity.ClientID), slog.String("err", err.Error()))
	}

	hubName := ""
	if hub, err := sm.hubs.GetByID(ctx, session.HubID); err == nil {
		hubName = hub.Name
	}

	outcome, pushErr := sm.pusher.SendToUser(ctx, identity.UserID, push.Notification{
		Title:    "Heartbeat timeout",
		Body:     fmt.Sprintf("%s lost contact with %s", session.GameName, hubName),
		Sound:    user.AlertSound,
		Priority: push.PriorityCritical,
		Data: map[string]string{
			"session_id":  fmt.Sprintf("%d", session.ID),
			"game_name":   session.GameName,
			"hub_name":    hubName,
			"last_status": session.CurrentStatus,
		},
	})

	alertDelivered := outcome.Success
	alertErrMsg := ""
	if pushErr != nil {
		alertErrMsg = pushErr.Error()
	}

	updated, err := sm.sessions.MarkTimeout(ctx, identity.ClientID, "Heartbeat timeout", true, alertDelivered, alertErrMsg)
	if err != nil {
		// The push attempt already happened even though persisting its
		// outcome failed; surface the store error but do not retry push.
		return nil, err
	}
	observability.SessionsActive.Dec()

	if user.LifeOrDeathMode {
		if err := sm.alerts.Start(ctx, identity.UserID, session.ID, "Heartbeat timeout", session.GameName); err != nil {
			middleware.Logger.Error("statemachine: failed to start alert loop", slog.Uint64("user_id", uint64(identity.UserID)), slog.String("err", err.Error()))
		}
	}

	return &TimeoutOutcome{
		AlertSent:      true,
		AlertDelivered: alertDelivered,
		AlertError:     alertErrMsg,
		Session:        updated,
	}, nil
}

// ReconcileOrphaned marks every session left active by an unclean
// shutdown as disconnected before the router accepts its first socket.
func (sm *StateMachine) ReconcileOrphaned(ctx context.Context) (int64, error) {
	count, err := sm.sessions.ReconcileOrphaned(ctx)
	if err != nil {
		return 0, err
	}
	observability.SessionsActive.Set(0)
	return count, nil
}

// EvaluateQuietHours reports whether the current UTC instant falls
// inside the [startMin, endMin) quiet-hours window, where both bounds
// are minutes since UTC midnight. A window where start > end wraps
// past midnight (e.g. 23:00-07:00).
func EvaluateQuietHours(startMin, endMin int) bool {
	return evaluateQuietHoursAt(startMin, endMin, nowUTCMinute())
}

// evaluateQuietHoursAt is the pure, clock-independent law so tests can
// exercise the exact boundary cases from spec §8 without sleeping.
func evaluateQuietHoursAt(startMin, endMin, m int) bool {
	if startMin == endMin {
		return false
	}
	if startMin < endMin {
		return startMin <= m && m < endMin
	}
	return m >= startMin || m < endMin
}

func nowUTCMinute() int {
	now := time.Now().UTC()
	return now.Hour()*60 + now.Minute()
}
