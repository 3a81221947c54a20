package hub

import (
	"context"

	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/lifecycle"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// Request returns the materialized request if actor may see it.
func (h *Hub) Request(ctx context.Context, actor domain.Actor, id string) (*domain.AsRequest, error) {
	req, err := loadRequest(ctx, h.store, id)
	if err != nil {
		return nil, err
	}
	if err := lifecycle.AuthorizeView(req, actor); err != nil {
		return nil, h.fail(domain.Command{Type: "view", RequestID: id, Actor: actor}, err)
	}
	return req, nil
}

// History returns the events after afterSeq. Chat events are left out for
// actors outside the chat.
func (h *Hub) History(ctx context.Context, actor domain.Actor, id string, afterSeq int64) ([]domain.Event, error) {
	req, err := h.Request(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	history, err := h.store.History(ctx, id, afterSeq)
	if err != nil {
		return nil, h.fail(domain.Command{Type: "history", RequestID: id, Actor: actor}, err)
	}
	if lifecycle.IsChatParticipant(req, actor) {
		return history, nil
	}
	out := make([]domain.Event, 0, len(history))
	for _, evt := range history {
		if evt.Kind != domain.EventChatMessageSent {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Messages lists the chat of a request in send order.
func (h *Hub) Messages(ctx context.Context, actor domain.Actor, id string) ([]domain.ChatMessage, error) {
	req, err := loadRequest(ctx, h.store, id)
	if err != nil {
		return nil, err
	}
	if !lifecycle.IsChatParticipant(req, actor) {
		return nil, h.fail(domain.Command{Type: "messages", RequestID: id, Actor: actor},
			apperrors.NewForbidden("actor is not a participant of this chat"))
	}
	msgs, err := h.store.Messages(ctx, id)
	if err != nil {
		return nil, h.fail(domain.Command{Type: "messages", RequestID: id, Actor: actor}, err)
	}
	return msgs, nil
}

// List returns requests visible to actor. Customers only see their own
// requests; technicians see the open pool or their assignments.
func (h *Hub) List(ctx context.Context, actor domain.Actor, filter eventstore.RequestFilter) ([]domain.AsRequest, error) {
	switch actor.Role {
	case domain.RoleCustomer:
		filter.CustomerID = actor.ID
	case domain.RoleTechnician:
		filter.CustomerID = ""
		if filter.Unassigned {
			filter.TechnicianID = ""
		} else {
			filter.TechnicianID = actor.ID
		}
	case domain.RoleStaff:
	default:
		return nil, apperrors.NewForbidden("unknown role")
	}
	reqs, err := h.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, h.fail(domain.Command{Type: "list", Actor: actor}, err)
	}
	return reqs, nil
}

// Stats returns dashboard numbers. Staff only.
func (h *Hub) Stats(ctx context.Context, actor domain.Actor) (eventstore.Stats, error) {
	if err := h.requireStaff(actor, "stats"); err != nil {
		return eventstore.Stats{}, err
	}
	stats, err := h.store.Stats(ctx, h.opts.Now())
	if err != nil {
		return eventstore.Stats{}, h.fail(domain.Command{Type: "stats", Actor: actor}, err)
	}
	return stats, nil
}

// Audit pages through the event log across requests. Staff only.
func (h *Hub) Audit(ctx context.Context, actor domain.Actor, filter eventstore.AuditFilter) (eventstore.AuditPage, error) {
	if err := h.requireStaff(actor, "audit"); err != nil {
		return eventstore.AuditPage{}, err
	}
	page, err := h.store.AuditEvents(ctx, filter)
	if err != nil {
		return eventstore.AuditPage{}, h.fail(domain.Command{Type: "audit", Actor: actor}, err)
	}
	return page, nil
}

// AuditStats summarizes who acted and from where. Staff only.
func (h *Hub) AuditStats(ctx context.Context, actor domain.Actor) (eventstore.AuditStats, error) {
	if err := h.requireStaff(actor, "audit_stats"); err != nil {
		return eventstore.AuditStats{}, err
	}
	stats, err := h.store.AuditStats(ctx, h.opts.Now())
	if err != nil {
		return eventstore.AuditStats{}, h.fail(domain.Command{Type: "audit_stats", Actor: actor}, err)
	}
	return stats, nil
}

// IPActivity reports the footprint of one client address. Staff only.
func (h *Hub) IPActivity(ctx context.Context, actor domain.Actor, ip string) (eventstore.IPActivity, error) {
	if ip == "" {
		return eventstore.IPActivity{}, apperrors.NewValidationError("ip required", nil)
	}
	if err := h.requireStaff(actor, "ip_activity"); err != nil {
		return eventstore.IPActivity{}, err
	}
	activity, err := h.store.IPActivity(ctx, ip)
	if err != nil {
		return eventstore.IPActivity{}, h.fail(domain.Command{Type: "ip_activity", Actor: actor}, err)
	}
	return activity, nil
}

func (h *Hub) requireStaff(actor domain.Actor, op domain.CommandType) error {
	if actor.Role == domain.RoleStaff {
		return nil
	}
	return h.fail(domain.Command{Type: op, Actor: actor},
		apperrors.NewForbidden(string(op)+" is staff only"))
}
