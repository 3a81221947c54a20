package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/as-dispatch/internal/api/http/handlers"
	"github.com/spec-kit/as-dispatch/internal/api/ws"
	"github.com/spec-kit/as-dispatch/internal/auth"
	"github.com/spec-kit/as-dispatch/internal/domain"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Requests       *handlers.RequestsHandler
	Dashboard      *handlers.DashboardHandler
	Socket         *ws.Handler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Dashboard.Metrics)

	protected := app.Group("", cfg.AuthMiddleware.Handle)

	if cfg.Socket != nil {
		protected.Get("/ws", cfg.Socket.Upgrade, cfg.Socket.Serve())
	}

	protected.Post("/commands", cfg.Requests.Command)

	requests := protected.Group("/requests")
	requests.Post("/", auth.RequireRole(domain.RoleCustomer), cfg.Requests.Create)
	requests.Get("/", cfg.Requests.List)
	requests.Get("/:id", cfg.Requests.Get)
	requests.Get("/:id/history", cfg.Requests.History)
	requests.Get("/:id/messages", cfg.Requests.Messages)
	requests.Post("/:id/messages/:messageId/ack", cfg.Requests.Acknowledge)
	requests.Post("/:id/attachments", cfg.Requests.Upload)
	requests.Post("/:id/:command", cfg.Requests.RequestCommand)

	staff := protected.Group("/dashboard", auth.RequireRole(domain.RoleStaff))
	staff.Get("/stats", cfg.Dashboard.Stats)
	staff.Get("/audit", cfg.Dashboard.Audit)
	staff.Get("/audit/stats", cfg.Dashboard.AuditStats)
	staff.Get("/audit/ip/:ip", cfg.Dashboard.IPActivity)
}
