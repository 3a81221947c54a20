package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/as-dispatch/internal/api/dto"
	"github.com/spec-kit/as-dispatch/internal/auth"
	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/hub"
	"github.com/spec-kit/as-dispatch/internal/observability"
	"github.com/spec-kit/as-dispatch/internal/registry"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// DashboardHandler serves staff statistics and service counters.
type DashboardHandler struct {
	hub      *hub.Hub
	registry *registry.Registry
	metrics  *observability.Metrics
}

// NewDashboardHandler constructs handler.
func NewDashboardHandler(h *hub.Hub, reg *registry.Registry, metrics *observability.Metrics) *DashboardHandler {
	return &DashboardHandler{hub: h, registry: reg, metrics: metrics}
}

// Stats GET /dashboard/stats.
func (h *DashboardHandler) Stats(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	stats, err := h.hub.Stats(c.UserContext(), actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"requests":          stats,
		"connected_clients": h.registry.Len(),
	}})
}

// Audit GET /dashboard/audit?ip=&actor_id=&kind=&page=&page_size=.
func (h *DashboardHandler) Audit(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	page := parseInt(c.Query("page"), 1)
	pageSize := parseInt(c.Query("page_size"), 50)
	filter := eventstore.AuditFilter{
		ActorIP: strings.TrimSpace(c.Query("ip")),
		ActorID: strings.TrimSpace(c.Query("actor_id")),
		Kind:    domain.EventKind(strings.TrimSpace(c.Query("kind"))),
		Limit:   pageSize,
		Offset:  (page - 1) * pageSize,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return apperrors.NewValidationError("invalid kind", map[string]any{"kind": filter.Kind})
	}
	result, err := h.hub.Audit(c.UserContext(), actor, filter)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": auditPageResponse(result, page, pageSize)})
}

// AuditStats GET /dashboard/audit/stats.
func (h *DashboardHandler) AuditStats(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	stats, err := h.hub.AuditStats(c.UserContext(), actor)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

// IPActivity GET /dashboard/audit/ip/:ip.
func (h *DashboardHandler) IPActivity(c *fiber.Ctx) error {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	ip := c.Params("ip")
	activity, err := h.hub.IPActivity(c.UserContext(), actor, ip)
	if err != nil {
		return err
	}
	pageSize := parseInt(c.Query("limit"), 50)
	recent, err := h.hub.Audit(c.UserContext(), actor, eventstore.AuditFilter{ActorIP: ip, Limit: pageSize})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"activity": activity,
		"recent":   auditPageResponse(recent, 1, pageSize).Events,
	}})
}

func auditPageResponse(page eventstore.AuditPage, n, size int) dto.AuditPageResponse {
	out := dto.AuditPageResponse{
		Total:    page.Total,
		Page:     n,
		PageSize: size,
		Events:   make([]dto.AuditEventResponse, 0, len(page.Events)),
	}
	for _, evt := range page.Events {
		out.Events = append(out.Events, dto.AuditEventResponse{
			RequestID:     evt.RequestID,
			ActorIP:       evt.ActorIP,
			EventResponse: eventResponse(evt),
		})
	}
	return out
}

// Metrics GET /metrics.
func (h *DashboardHandler) Metrics(c *fiber.Ctx) error {
	return c.JSON(h.metrics.Snapshot())
}
