package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Pinger is a dependency the readiness check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler responds to liveness and readiness checks.
type HealthHandler struct {
	serviceName  string
	version      string
	dependencies map[string]Pinger
}

// NewHealthHandler returns a new handler instance. dependencies maps a name
// such as "sqlite" or "redis" to its check.
func NewHealthHandler(serviceName, version string, dependencies map[string]Pinger) *HealthHandler {
	return &HealthHandler{serviceName: serviceName, version: version, dependencies: dependencies}
}

// Live reports service liveness.
func (h *HealthHandler) Live(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "alive",
		"service": h.serviceName,
		"version": h.version,
	})
}

// Ready reports service readiness by checking dependencies.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	depStatus := fiber.Map{}
	ready := true

	for name, dep := range h.dependencies {
		if err := dep.Ping(ctx); err != nil {
			depStatus[name] = err.Error()
			ready = false
		} else {
			depStatus[name] = "ok"
		}
	}

	if ready {
		return c.JSON(fiber.Map{
			"status":       "ready",
			"dependencies": depStatus,
		})
	}

	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "DEPENDENCY_UNAVAILABLE",
			"message": "one or more dependencies unavailable",
			"details": depStatus,
		},
	})
}
