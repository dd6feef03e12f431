// Package logsink fans a producer's log lines out to two destinations:
// a durable row via SessionLogRepository (7-day retention, pruned by a
// periodic sweep) and a small in-memory ring per user so consumers can
// request recent history without a database round trip (spec §5
// resource policy: per-user log ring capped at 200 lines).
package logsink

import (
	"context"
	"sync"
	"time"

	"pulserelay/internal/middleware"
	"pulserelay/internal/models"
	"pulserelay/internal/repository"

	"log/slog"
)

// RingCapacity bounds how many recent log lines are kept in memory per user.
const RingCapacity = 200

// Entry is one ring-buffered log line, trimmed to what a consumer needs
// to render it without touching the database.
type Entry struct {
	SessionID uint   `json:"session_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Sink persists log lines and maintains the in-memory ring.
type Sink struct {
	logs repository.SessionLogRepository

	mu    sync.Mutex
	rings map[uint][]Entry

	pruneStop chan struct{}
	pruneDone chan struct{}
}

// New constructs a Sink backed by logs for durable persistence.
func New(logs repository.SessionLogRepository) *Sink {
	return &Sink{
		logs:  logs,
		rings: make(map[uint][]Entry),
	}
}

// Append persists one log line and appends it to the user's in-memory
// ring, evicting the oldest entry once the ring is at capacity. Store
// errors are logged but never block the ring append — the ring is the
// router's best-effort fan-out source, and must stay responsive even if
// the database is unavailable (spec §7: store errors during
// heartbeat/status-class writes log and continue).
func (s *Sink) Append(ctx context.Context, sessionID, userID uint, level, message string, timestamp int64) {
	if len(message) > models.SessionLogMessageMaxLen {
		message = message[:models.SessionLogMessageMaxLen]
	}

	if err := s.logs.Create(ctx, &models.SessionLog{
		SessionID: sessionID,
		UserID:    userID,
		Level:     level,
		Message:   message,
	}); err != nil {
		middleware.Logger.Warn("logsink: failed to persist log line", slog.Uint64("session_id", uint64(sessionID)), slog.String("err", err.Error()))
	}

	s.ringAppend(userID, Entry{SessionID: sessionID, Level: level, Message: message, Timestamp: timestamp})
}

func (s *Sink) ringAppend(userID uint, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.rings[userID]
	ring = append(ring, e)
	if len(ring) > RingCapacity {
		ring = ring[len(ring)-RingCapacity:]
	}
	s.rings[userID] = ring
}

// Snapshot returns a copy of the user's current in-memory ring, oldest
// first.
func (s *Sink) Snapshot(userID uint) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.rings[userID]
	out := make([]Entry, len(ring))
	copy(out, ring)
	return out
}

// Prune deletes durable log rows past retentionDays. Intended to run
// from a periodic background task, not per-message.
func (s *Sink) Prune(ctx context.Context, retentionDays int) (int64, error) {
	return s.logs.Prune(ctx, retentionDays)
}

// StartPruneSweep launches a background goroutine that calls Prune once
// per interval using retentionDays, mirroring ratelimit.Limiter's idle
// window sweep. Call Stop to terminate it.
func (s *Sink) StartPruneSweep(interval time.Duration, retentionDays int) {
	s.pruneStop = make(chan struct{})
	s.pruneDone = make(chan struct{})

	go func() {
		defer close(s.pruneDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pruneOnce(retentionDays)
			case <-s.pruneStop:
				return
			}
		}
	}()
}

func (s *Sink) pruneOnce(retentionDays int) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	deleted, err := s.Prune(ctx, retentionDays)
	if err != nil {
		middleware.Logger.Warn("logsink: prune sweep failed", slog.String("err", err.Error()))
		return
	}
	if deleted > 0 {
		middleware.Logger.Info("logsink: pruned retention-expired log rows", slog.Int64("deleted", deleted))
	}
}

// Stop terminates the prune sweep started by StartPruneSweep, if any,
// and waits for its goroutine to exit.
func (s *Sink) Stop() {
	if s.pruneStop == nil {
		return
	}
	close(s.pruneStop)
	<-s.pruneDone
}
