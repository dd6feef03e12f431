// Package alertloop implements the repeating "life-or-death" alert: once
// a timeout has fired a first critical push for a user whose account has
// life-or-death mode enabled, this package keeps re-notifying until the
// user acknowledges or the notification cap is reached (spec §4.5).
package alertloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pulserelay/internal/middleware"
	"pulserelay/internal/models"
	"pulserelay/internal/observability"
	"pulserelay/internal/push"
	"pulserelay/internal/repository"

	"log/slog"
)

// ErrAlreadyAcknowledged is returned when Acknowledge is called on an
// alert that was already acknowledged by a previous call.
var ErrAlreadyAcknowledged = errors.New("ALREADY_ACKNOWLEDGED")

// restoreWindow bounds how old an unacknowledged alert may be at boot
// before it is treated as stale rather than restored (spec §4.5).
const restoreWindow = 10 * time.Minute

// Loop owns one in-memory repeating timer per in-flight alert, keyed by
// alert id.
type Loop struct {
	mu     sync.Mutex
	timers map[uint]*time.Timer

	alerts   repository.ActiveAlertRepository
	users    repository.UserRepository
	sender   *push.Sender
	interval time.Duration
	maxNotif int
}

// New constructs a Loop that ticks every interval and caps each alert at
// maxNotif notifications (spec §6.4 alertLoopMax). maxNotif <= 0 falls
// back to models.DefaultMaxNotifications.
func New(alerts repository.ActiveAlertRepository, users repository.UserRepository, sender *push.Sender, interval time.Duration, maxNotif int) *Loop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxNotif <= 0 {
		maxNotif = models.DefaultMaxNotifications
	}
	return &Loop{
		timers:   make(map[uint]*time.Timer),
		alerts:   alerts,
		users:    users,
		sender:   sender,
		interval: interval,
		maxNotif: maxNotif,
	}
}

// Start begins (or no-ops onto) the repeating alert for a user whose
// session just timed out with life-or-death mode enabled. The first
// critical push has already been delivered by the caller (the state
// machine's timeout path); Start only persists the ActiveAlert row and
// installs the repeating timer, or, if one is already in flight for this
// user, leaves it untouched — at most one unacknowledged alert may exist
// per user.
func (l *Loop) Start(ctx context.Context, userID, sessionID uint, reason, gameName string) error {
	user, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.LifeOrDeathMode {
		return nil
	}

	existing, err := l.alerts.GetUnacknowledgedForUser(ctx, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		l.installLocked(existing.ID)
		return nil
	}

	alert := &models.ActiveAlert{
		UserID:            userID,
		SessionID:         sessionID,
		Reason:            reason,
		GameName:          gameName,
		NotificationsSent: 1,
		MaxNotifications:  l.maxNotif,
	}
	if err := l.alerts.Create(ctx, alert); err != nil {
		return err
	}
	l.installLocked(alert.ID)
	return nil
}

// Acknowledge marks the alert acknowledged and cancels its timer. A
// second call on an already-acknowledged alert returns
// ErrAlreadyAcknowledged rather than silently succeeding.
func (l *Loop) Acknowledge(ctx context.Context, alertID, userID uint) error {
	existing, err := l.alerts.GetByID(ctx, alertID)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return models.NewNotFoundError("ActiveAlert", alertID)
	}
	if existing.Acknowledged {
		return ErrAlreadyAcknowledged
	}
	if _, err := l.alerts.Acknowledge(ctx, alertID, userID); err != nil {
		return err
	}
	l.cancelLocked(alertID)
	return nil
}

// Restore reinstalls timers for every unacknowledged alert younger than
// restoreWindow and auto-acknowledges everything older, per the crash
// recovery contract in spec §4.5. Call once at boot before accepting
// connections.
func (l *Loop) Restore(ctx context.Context) error {
	restorable, err := l.alerts.ListRestorable(ctx, restoreWindow)
	if err != nil {
		return err
	}
	for _, a := range restorable {
		l.installLocked(a.ID)
	}
	staleCount, err := l.alerts.MarkStaleAcknowledged(ctx, restoreWindow)
	if err != nil {
		return err
	}
	middleware.Logger.Info("alert loop restored",
		slog.Int("reinstalled", len(restorable)),
		slog.Int64("auto_acknowledged_stale", staleCount),
	)
	return nil
}

// StopAll cancels every live timer without acknowledging the underlying
// alerts, so a subsequent Restore picks them back up. Used on shutdown.
func (l *Loop) StopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *Loop) installLocked(alertID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.timers[alertID]; ok {
		return
	}
	l.timers[alertID] = time.AfterFunc(l.interval, func() { l.tick(alertID) })
}

func (l *Loop) cancelLocked(alertID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[alertID]; ok {
		t.Stop()
		delete(l.timers, alertID)
	}
}

// tick reloads the alert fresh each time rather than trusting captured
// state, so a missed or delayed tick never double-fires against a
// since-acknowledged alert (spec §7: "alert loop tolerates missed ticks
// without stacking").
func (l *Loop) tick(alertID uint) {
	ctx := context.Background()
	alert, err := l.alerts.GetByID(ctx, alertID)
	if err != nil {
		middleware.Logger.Error("alert loop: failed to reload alert", slog.Uint64("alert_id", uint64(alertID)), slog.String("err", err.Error()))
		l.cancelLocked(alertID)
		return
	}
	if alert.Acknowledged || alert.Exhausted() {
		l.cancelLocked(alertID)
		return
	}

	updated, err := l.alerts.IncrementNotificationsSent(ctx, alertID)
	if err != nil || updated == nil {
		l.cancelLocked(alertID)
		return
	}
	observability.AlertLoopTicksTotal.Inc()

	notification := push.Notification{
		Title:    "Life-or-death alert",
		Body:     fmt.Sprintf("🚨 ALERT %d/%d: %s", updated.NotificationsSent, updated.MaxNotifications, updated.Reason),
		Priority: push.PriorityCritical,
		Sound:    "critical",
		Data: map[string]string{
			"alert_id":   fmt.Sprintf("%d", updated.ID),
			"session_id": fmt.Sprintf("%d", updated.SessionID),
			"game_name":  updated.GameName,
		},
	}
	if _, err := l.sender.SendToUserPlatform(ctx, updated.UserID, models.PlatformWeb, notification); err != nil {
		middleware.Logger.Warn("alert loop: push failed", slog.Uint64("alert_id", uint64(alertID)), slog.String("err", err.Error()))
	}

	if updated.Exhausted() {
		l.cancelLocked(alertID)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.timers[alertID] = time.AfterFunc(l.interval, func() { l.tick(alertID) })
}
