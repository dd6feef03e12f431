// Package bootstrap wires the relay's components together in dependency
// order and runs the crash-recovery steps that must complete before the
// router accepts its first connection (spec §4.4, §9).
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"pulserelay/internal/alertloop"
	"pulserelay/internal/auth"
	"pulserelay/internal/cache"
	"pulserelay/internal/config"
	"pulserelay/internal/database"
	"pulserelay/internal/featureflags"
	"pulserelay/internal/logsink"
	"pulserelay/internal/observability"
	"pulserelay/internal/push"
	"pulserelay/internal/ratelimit"
	"pulserelay/internal/repository"
	"pulserelay/internal/router"
	"pulserelay/internal/statemachine"
	"pulserelay/internal/watchdog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"log/slog"

	"pulserelay/internal/middleware"
)

// sweepInterval bounds how often the rate limiter evicts idle windows.
const sweepInterval = 5 * time.Minute

// logPruneInterval bounds how often the log sink deletes rows past
// retention. Run far less often than the rate limiter's sweep since
// retention is measured in days, not minutes.
const logPruneInterval = 1 * time.Hour

// Runtime holds every long-lived component constructed by BuildRuntime,
// so main can wire them into the Fiber app and tear them down in
// reverse on shutdown.
type Runtime struct {
	DB    *gorm.DB
	Redis *redis.Client

	Sessions repository.SessionRepository
	Devices  repository.DeviceRepository
	Users    repository.UserRepository
	Hubs     repository.HubRepository
	Logs     repository.SessionLogRepository
	Alerts   repository.ActiveAlertRepository

	Flags     *featureflags.Manager
	Pusher    *push.Sender
	Limiter   *ratelimit.Limiter
	Watchdog  *watchdog.Watchdog
	StateMachine *statemachine.StateMachine
	AlertLoop *alertloop.Loop
	Auth      *auth.Auth
	LogSink   *logsink.Sink
	Router    *router.Router
}

// BuildRuntime connects to the database and Redis, constructs every
// domain component in dependency order, and reconciles state left behind
// by an unclean shutdown before returning. The caller must not route
// traffic to Router.HandleConnection until this returns successfully.
func BuildRuntime(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.ApplySchema(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	redisClient := cache.GetClient()

	sessions := repository.NewSessionRepository(db)
	devices := repository.NewDeviceRepository(db)
	users := repository.NewUserRepository(db)
	hubs := repository.NewHubRepository(db)
	logs := repository.NewSessionLogRepository(db)
	alerts := repository.NewActiveAlertRepository(db)

	flags := featureflags.NewManager(cfg.FeatureFlags)
	pusher := push.NewSender(devices, cfg)

	limiter := ratelimit.New(ratelimit.Config{
		Status: ratelimit.Window{Max: cfg.RateLimitStatus.Max, WindowMs: cfg.RateLimitStatus.WindowMs},
		Log:    ratelimit.Window{Max: cfg.RateLimitLog.Max, WindowMs: cfg.RateLimitLog.WindowMs},
		Notify: ratelimit.Window{Max: cfg.RateLimitNotify.Max, WindowMs: cfg.RateLimitNotify.WindowMs},
		Alert:  ratelimit.Window{Max: cfg.RateLimitAlert.Max, WindowMs: cfg.RateLimitAlert.WindowMs},
	})
	limiter.StartSweep(sweepInterval)

	alertLoop := alertloop.New(alerts, users, pusher, time.Duration(cfg.AlertLoopIntervalMs)*time.Millisecond, cfg.AlertLoopMax)

	heartbeatTimeout := time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond
	gracePeriod := time.Duration(cfg.ReconnectGracePeriodMs) * time.Millisecond

	var sm *statemachine.StateMachine
	wd := watchdog.New(heartbeatTimeout, gracePeriod,
		func(identity watchdog.Identity) {
			if _, err := sm.Timeout(context.Background(), identity); err != nil {
				middleware.Logger.Error("bootstrap: heartbeat timeout handling failed",
					slog.String("client_id", identity.ClientID), slog.String("err", err.Error()))
			}
		},
		func(clientID string) {},
	)
	sm = statemachine.New(sessions, hubs, users, logs, wd, pusher, alertLoop)

	authValidator := auth.New(hubs, users, flags, sm, cfg.JWTSecret)
	sink := logsink.New(logs)
	sink.StartPruneSweep(logPruneInterval, cfg.LogRetentionDays)

	r := router.New(router.Deps{
		Auth:         authValidator,
		Sessions:     sessions,
		Devices:      devices,
		Users:        users,
		Hubs:         hubs,
		StateMachine: sm,
		Watchdog:     wd,
		Limiter:      limiter,
		LogSink:      sink,
		AlertLoop:    alertLoop,
		Pusher:       pusher,
		Metrics:      observability.NewRouterMetrics(),
	})

	reconciled, err := sm.ReconcileOrphaned(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile orphaned sessions: %w", err)
	}
	if reconciled > 0 {
		middleware.Logger.Info("bootstrap: reconciled orphaned sessions", slog.Int64("count", reconciled))
	}
	if err := alertLoop.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore alert loop: %w", err)
	}

	return &Runtime{
		DB:           db,
		Redis:        redisClient,
		Sessions:     sessions,
		Devices:      devices,
		Users:        users,
		Hubs:         hubs,
		Logs:         logs,
		Alerts:       alerts,
		Flags:        flags,
		Pusher:       pusher,
		Limiter:      limiter,
		Watchdog:     wd,
		StateMachine: sm,
		AlertLoop:    alertLoop,
		Auth:         authValidator,
		LogSink:      sink,
		Router:       r,
	}, nil
}

// Shutdown tears the runtime down in the reverse of construction order.
// The caller must stop routing new /ws upgrades to Router.HandleConnection
// before calling this.
func (rt *Runtime) Shutdown(ctx context.Context) {
	rt.Router.Shutdown(ctx)
	rt.AlertLoop.StopAll()
	rt.Limiter.Stop()
	rt.LogSink.Stop()

	if sqlDB, err := rt.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			middleware.Logger.Warn("bootstrap: failed to close database", slog.String("err", err.Error()))
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil {
			middleware.Logger.Warn("bootstrap: failed to close redis client", slog.String("err", err.Error()))
		}
	}
}
