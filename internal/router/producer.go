package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"pulserelay/internal/auth"
	"pulserelay/internal/middleware"
	"pulserelay/internal/models"
	"pulserelay/internal/push"
	"pulserelay/internal/ratelimit"
	"pulserelay/internal/statemachine"
)

// handleProducerConnect validates the hub key and user token, creates or
// reactivates the session, arms the watchdog, and fans session_started
// out to the user's consumers (spec §4.1 producer authentication).
func (r *Router) handleProducerConnect(s *Socket, raw []byte) {
	var frame connectFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.TrySend(newErrorFrame(codeInvalidParams, "malformed connect frame"))
		return
	}

	ctx := context.Background()

	hub, err := r.deps.Auth.ValidateHubKey(ctx, frame.HubKey)
	if err != nil {
		s.TrySend(newErrorFrame(hubErrorCode(err), err.Error()))
		_ = s.Conn.Close()
		return
	}

	user, err := r.deps.Auth.ValidateUserToken(ctx, frame.UserToken)
	if err != nil {
		s.TrySend(newErrorFrame(userErrorCode(err), err.Error()))
		_ = s.Conn.Close()
		return
	}

	session, err := r.deps.StateMachine.CreateSession(ctx, statemachine.NewSessionParams{
		WSClientID: s.ClientID,
		UserID:     user.ID,
		HubID:      hub.ID,
		GameName:   frame.GameInfo.GameName,
		PlaceID:    frame.GameInfo.PlaceID,
		JobID:      frame.GameInfo.JobID,
		Executor:   frame.GameInfo.Executor,
	})
	if err != nil {
		middleware.Logger.Error("router: failed to create session", slog.String("client_id", s.ClientID), slog.String("err", err.Error()))
		s.TrySend(newErrorFrame("INTERNAL_ERROR", "failed to create session"))
		_ = s.Conn.Close()
		return
	}

	devices, err := r.deps.Devices.ListActiveForUser(ctx, user.ID)
	if err != nil {
		middleware.Logger.Warn("router: failed to list devices for producer auth reply", slog.String("err", err.Error()))
	}

	s.markProducer(user.ID, session.ID, session.GameName, hub.Name)
	r.registerProducer(s, user.ID, session.ID)

	s.TrySend(marshal(authenticatedProducerFrame{
		Type:      "authenticated",
		SessionID: session.ID,
		User: producerUserSummary{
			Username:   user.Username,
			HasDevices: len(devices) > 0,
		},
		Hub: hubSummary{Name: hub.Name},
	}))

	r.fanOutToConsumers(user.ID, marshal(sessionStartedFrame{
		Type:      "session_started",
		SessionID: session.ID,
		GameName:  session.GameName,
		HubName:   hub.Name,
		Timestamp: nowMillis(),
	}))
}

func hubErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrHubNotApproved):
		return codeHubNotApproved
	case errors.Is(err, auth.ErrHubSuspended):
		return codeHubSuspended
	default:
		return codeInvalidHubKey
	}
}

func userErrorCode(err error) string {
	if errors.Is(err, auth.ErrUserSuspended) {
		return codeUserSuspended
	}
	return codeInvalidUserToken
}

// handleHeartbeat resets the watchdog and replies with a pong. Neither
// heartbeat nor ping is rate limited (spec §4.2).
func (r *Router) handleHeartbeat(s *Socket) {
	r.deps.StateMachine.UpdateHeartbeat(context.Background(), s.ClientID)
	s.TrySend(marshal(pongFrame{Type: "pong", Timestamp: nowMillis()}))
}

// dispatchProducerMessage handles the five rate-limited producer
// message classes (spec §4.1 dispatch table).
func (r *Router) dispatchProducerMessage(s *Socket, msgType string, raw []byte) {
	_, _, userID, sessionID := s.snapshot()
	ctx := context.Background()

	class, rated := classFor(msgType)
	if rated && !r.deps.Limiter.Allow(s.ClientID, class) {
		s.TrySend(newErrorFrame(codeRateLimited, "rate limit exceeded for "+msgType))
		return
	}

	switch msgType {
	case "status":
		var frame statusFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Status == "" {
			s.TrySend(newErrorFrame(codeInvalidParams, "status requires a non-empty status field"))
			return
		}
		if err := r.deps.StateMachine.UpdateStatus(ctx, s.ClientID, frame.Status); err != nil {
			middleware.Logger.Warn("router: failed to persist status", slog.String("client_id", s.ClientID), slog.String("err", err.Error()))
		}
		r.fanOutToConsumers(userID, marshal(statusUpdateFrame{
			Type:      "status_update",
			SessionID: sessionID,
			Status:    frame.Status,
			Data:      frame.Data,
			Timestamp: nowMillis(),
		}))

	case "log":
		var frame logFrameIn
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Message == "" {
			s.TrySend(newErrorFrame(codeInvalidParams, "log requires a non-empty message field"))
			return
		}
		level := frame.Level
		if level == "" {
			level = models.LogLevelInfo
		}
		ts := nowMillis()
		r.deps.LogSink.Append(ctx, sessionID, userID, level, frame.Message, ts)
		r.fanOutToConsumers(userID, marshal(logFrameOut{
			Type:      "log",
			SessionID: sessionID,
			Level:     level,
			Message:   frame.Message,
			Timestamp: ts,
		}))

	case "notify":
		var frame notifyFrameIn
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Title == "" {
			s.TrySend(newErrorFrame(codeInvalidParams, "notify requires a non-empty title field"))
			return
		}
		ts := nowMillis()
		r.fanOutToConsumers(userID, marshal(notificationFrame{
			Type:      "notification",
			SessionID: sessionID,
			Title:     frame.Title,
			Body:      frame.Body,
			Timestamp: ts,
		}))
		go r.sendPush(userID, push.Notification{
			Title:    frame.Title,
			Body:     frame.Body,
			Priority: push.PriorityNormal,
		})

	case "alert":
		var frame alertFrameIn
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Reason == "" {
			s.TrySend(newErrorFrame(codeInvalidParams, "alert requires a non-empty reason field"))
			return
		}
		ts := nowMillis()
		r.fanOutToConsumers(userID, marshal(criticalAlertFrame{
			Type:      "critical_alert",
			SessionID: sessionID,
			Reason:    frame.Reason,
			Title:     frame.Title,
			Timestamp: ts,
		}))
		go r.sendPush(userID, push.Notification{
			Title:    orDefault(frame.Title, "Critical alert"),
			Body:     frame.Reason,
			Priority: push.PriorityCritical,
		})

	case "disconnect":
		var frame disconnectFrameIn
		_ = json.Unmarshal(raw, &frame)
		if _, err := r.deps.StateMachine.DisconnectByClientID(ctx, s.ClientID, models.DisconnectReasonManual, frame.Reason); err != nil {
			middleware.Logger.Warn("router: manual disconnect failed", slog.String("client_id", s.ClientID), slog.String("err", err.Error()))
		}
		r.fanOutToConsumers(userID, marshal(sessionEndedFrame{
			Type:      "session_ended",
			SessionID: sessionID,
			Reason:    models.DisconnectReasonManual,
			Timestamp: nowMillis(),
		}))
		_ = s.Conn.Close()
	}
}

func (r *Router) sendPush(userID uint, n push.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.deps.Pusher.SendToUser(ctx, userID, n); err != nil {
		middleware.Logger.Warn("router: push fan-out failed", slog.Uint64("user_id", uint64(userID)), slog.String("err", err.Error()))
	}
}

func classFor(msgType string) (ratelimit.Class, bool) {
	switch msgType {
	case "status":
		return ratelimit.ClassStatus, true
	case "log":
		return ratelimit.ClassLog, true
	case "notify":
		return ratelimit.ClassNotify, true
	case "alert":
		return ratelimit.ClassAlert, true
	default:
		return "", false
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
