// Package server wires the relay's minimal HTTP surface: health and
// readiness checks, Prometheus metrics, the /ws upgrade, and the one
// HTTP endpoint the core exposes to an external collaborator —
// POST /alerts/:id/acknowledge (spec §4.5, §6.2).
package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"pulserelay/internal/alertloop"
	"pulserelay/internal/bootstrap"
	"pulserelay/internal/config"
	"pulserelay/internal/middleware"
	"pulserelay/internal/models"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
)

// Server holds everything the Fiber app needs to serve requests. It does
// not own the runtime's lifecycle — that belongs to *bootstrap.Runtime,
// which the caller constructs and tears down independently.
type Server struct {
	cfg *config.Config
	rt  *bootstrap.Runtime
}

// New constructs a Server from a fully wired Runtime.
func New(cfg *config.Config, rt *bootstrap.Runtime) *Server {
	return &Server{cfg: cfg, rt: rt}
}

// SetupMiddleware installs the global middleware stack, in the order the
// teacher's server applies it: panic recovery, request tracing, request
// id, context propagation, security headers, structured access logging,
// CORS, then Prometheus instrumentation.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())
	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.cfg.AllowedOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	prom := fiberprometheus.New("pulserelay")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
}

// SetupRoutes registers the relay's entire HTTP surface.
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/healthz", s.HealthCheck)
	app.Get("/livez", s.LivenessCheck)
	app.Get("/readyz", s.ReadinessCheck)

	app.Post("/alerts/:id/acknowledge", s.AcknowledgeAlert)

	app.Use("/ws", upgradeRequired)
	app.Get("/ws", websocket.New(s.rt.Router.HandleConnection))
}

// upgradeRequired rejects plain HTTP requests to /ws before Fiber's
// websocket handler runs.
func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HealthCheck aggregates database and Redis reachability into one JSON
// status, mirroring the teacher's health-check shape.
func (s *Server) HealthCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	status := fiber.Map{"status": "ok"}
	healthy := true

	if sqlDB, err := s.rt.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		status["database"] = "unreachable"
		healthy = false
	} else {
		status["database"] = "ok"
	}

	if s.rt.Redis == nil {
		status["redis"] = "disabled"
	} else if err := s.rt.Redis.Ping(ctx).Err(); err != nil {
		status["redis"] = "unreachable"
		healthy = false
	} else {
		status["redis"] = "ok"
	}

	if !healthy {
		status["status"] = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(status)
	}
	return c.JSON(status)
}

// LivenessCheck reports whether the process is running at all, without
// touching any dependency.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "alive"})
}

// ReadinessCheck is an alias of HealthCheck: this relay has no separate
// warm-up phase once the runtime has finished booting.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	return s.HealthCheck(c)
}

// AcknowledgeAlert implements the one HTTP endpoint the core exposes to
// the external collaborator surface named in spec §6.2: a consumer
// acknowledging a life-or-death alert. Authentication reuses the same
// JWT bearer validation the WS `authenticate` frame performs.
func (s *Server) AcknowledgeAlert(c *fiber.Ctx) error {
	alertID, err := c.ParamsInt("id")
	if err != nil || alertID <= 0 {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError("invalid alert id"))
	}

	bearer := strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	if bearer == "" {
		return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError("missing bearer token"))
	}

	user, err := s.rt.Auth.ValidateBearerToken(c.Context(), bearer)
	if err != nil {
		return models.RespondWithError(c, fiber.StatusUnauthorized, models.NewUnauthorizedError("invalid bearer token"))
	}

	if err := s.rt.AlertLoop.Acknowledge(c.Context(), uint(alertID), user.ID); err != nil {
		if errors.Is(err, alertloop.ErrAlreadyAcknowledged) {
			return models.RespondWithError(c, fiber.StatusConflict, models.NewValidationError("alert already acknowledged"))
		}
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return models.RespondWithError(c, statusForAppError(appErr), appErr)
		}
		return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
	}

	return c.JSON(fiber.Map{"success": true})
}

func statusForAppError(err *models.AppError) int {
	switch err.Code {
	case "NOT_FOUND":
		return fiber.StatusNotFound
	case "VALIDATION_ERROR":
		return fiber.StatusBadRequest
	case "UNAUTHORIZED":
		return fiber.StatusUnauthorized
	default:
		return fiber.StatusInternalServerError
	}
}
