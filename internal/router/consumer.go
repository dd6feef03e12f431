package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"pulserelay/internal/middleware"
	"pulserelay/internal/models"
)

// handleConsumerAuthenticate validates a JWT bearer token and replies
// with the user's live sessions (spec §4.1 consumer authentication,
// form (a)).
func (r *Router) handleConsumerAuthenticate(s *Socket, raw []byte) {
	var frame authenticateFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Token == "" {
		s.TrySend(newErrorFrame(codeInvalidParams, "authenticate requires a non-empty token field"))
		return
	}

	ctx := context.Background()
	user, err := r.deps.Auth.ValidateBearerToken(ctx, frame.Token)
	if err != nil {
		s.TrySend(newErrorFrame(codeNotAuthenticated, err.Error()))
		_ = s.Conn.Close()
		return
	}

	s.markConsumer(user.ID)
	r.registerConsumer(s, user.ID)

	sessions, err := r.liveSessionsFor(ctx, user.ID)
	if err != nil {
		middleware.Logger.Warn("router: failed to list sessions for consumer auth reply", slog.String("err", err.Error()))
	}

	s.TrySend(marshal(authenticatedConsumerFrame{
		Type:     "authenticated",
		User:     consumerUserSummary{ID: user.ID, Username: user.Username},
		Sessions: sessions,
	}))
}

// handleRegisterDevice accepts either a short user token (preferred) or
// a legacy raw user id, upserts the device by push token, and replies
// with the user's live sessions (spec §4.1 consumer authentication,
// form (b)).
func (r *Router) handleRegisterDevice(s *Socket, raw []byte) {
	var frame registerDeviceFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.TrySend(newErrorFrame(codeInvalidParams, "malformed register_device frame"))
		return
	}

	ctx := context.Background()

	var userID uint
	if frame.UserToken != "" {
		user, err := r.deps.Auth.ValidateUserToken(ctx, frame.UserToken)
		if err != nil {
			s.TrySend(newErrorFrame(userErrorCode(err), err.Error()))
			_ = s.Conn.Close()
			return
		}
		userID = user.ID
	} else if frame.UserID != 0 {
		user, err := r.deps.Users.GetByID(ctx, frame.UserID)
		if err != nil || user == nil {
			s.TrySend(newErrorFrame(codeInvalidUserToken, "unknown user"))
			_ = s.Conn.Close()
			return
		}
		if !user.IsActive() {
			s.TrySend(newErrorFrame(codeUserSuspended, "user suspended"))
			_ = s.Conn.Close()
			return
		}
		userID = user.ID
	} else {
		s.TrySend(newErrorFrame(codeInvalidParams, "register_device requires userToken or userId"))
		return
	}

	platform := frame.Platform
	if platform == "" {
		platform = models.PlatformWeb
	}
	if frame.PushToken != "" {
		if _, err := r.deps.Devices.Upsert(ctx, userID, frame.PushToken, platform); err != nil {
			middleware.Logger.Warn("router: device upsert failed", slog.Uint64("user_id", uint64(userID)), slog.String("err", err.Error()))
		}
	}

	user, err := r.deps.Users.GetByID(ctx, userID)
	if err != nil {
		s.TrySend(newErrorFrame("INTERNAL_ERROR", "failed to load user"))
		return
	}

	s.markConsumer(userID)
	r.registerConsumer(s, userID)

	sessions, err := r.liveSessionsFor(ctx, userID)
	if err != nil {
		middleware.Logger.Warn("router: failed to list sessions for register_device reply", slog.String("err", err.Error()))
	}

	s.TrySend(marshal(registeredFrame{
		Type:     "registered",
		User:     consumerUserSummary{ID: user.ID, Username: user.Username},
		Sessions: sessions,
	}))
}

// handleConsumerCommand forwards a command to the named producer socket
// if it belongs to the same user, or replies SESSION_NOT_FOUND (spec
// §4.1 consumer dispatch).
func (r *Router) handleConsumerCommand(s *Socket, raw []byte) {
	var frame commandFrameIn
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Command == "" {
		s.TrySend(newErrorFrame(codeInvalidParams, "command requires sessionId and command fields"))
		return
	}

	_, _, userID, _ := s.snapshot()
	target := r.findProducerBySession(frame.SessionID, userID)
	if target == nil {
		s.TrySend(newErrorFrame(codeSessionNotFound, "no live session with that id for this user"))
		return
	}

	target.TrySend(marshal(commandFrameOut{
		Type:    "command",
		Command: frame.Command,
		Data:    frame.Data,
	}))
	s.TrySend(marshal(commandSentFrame{Type: "command_sent", SessionID: frame.SessionID}))
}

// liveSessionsFor lists a user's active producer sessions as summaries
// for an authenticated/registered reply.
func (r *Router) liveSessionsFor(ctx context.Context, userID uint) ([]sessionSummary, error) {
	sessions, err := r.deps.Sessions.ListActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	hubNames := make(map[uint]string)
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		hubName, ok := hubNames[sess.HubID]
		if !ok {
			hubName = r.hubNameFor(ctx, sess.HubID)
			hubNames[sess.HubID] = hubName
		}
		out = append(out, sessionSummary{
			ID:              sess.ID,
			GameName:        sess.GameName,
			HubName:         hubName,
			CurrentStatus:   sess.CurrentStatus,
			ConnectedAt:     sess.ConnectedAt.UTC().UnixMilli(),
			LastHeartbeatAt: sess.LastHeartbeatAt.UTC().UnixMilli(),
		})
	}
	return out, nil
}
