// Package lifecycle decides AS request transitions. Everything here is pure:
// callers persist the resulting event and notify parties.
package lifecycle

import (
	"time"

	"github.com/spec-kit/as-dispatch/internal/domain"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// Decision is the outcome of applying a command to a request.
type Decision struct {
	Kind    domain.EventKind
	Status  domain.RequestStatus
	Payload any
	// NoOp marks an idempotent re-delivery: nothing to append or broadcast.
	NoOp bool
}

// Decide computes the event a command produces against the current request
// state. current is nil for create.
func Decide(current *domain.AsRequest, cmd domain.Command, now time.Time) (Decision, error) {
	if cmd.Type == domain.CommandCreate {
		return decideCreate(current, cmd)
	}
	if current == nil {
		return Decision{}, apperrors.NewNotFound("as request", map[string]any{"request_id": cmd.RequestID})
	}
	actor := cmd.Actor

	// A technician racing for a request another technician already took lost
	// the race; that is "already handled", not an authorization failure.
	if (cmd.Type == domain.CommandAccept || cmd.Type == domain.CommandReject) &&
		actor.Role == domain.RoleTechnician &&
		current.AssignedTechnicianID != nil && !current.IsAssignedTo(actor.ID) {
		return Decision{}, apperrors.NewConflict("request already handled by another technician", map[string]any{
			"request_id": current.ID,
			"status":     current.Status,
		})
	}
	if err := AuthorizeView(current, actor); err != nil {
		return Decision{}, err
	}
	if err := authorizeCommand(current, cmd); err != nil {
		return Decision{}, err
	}
	if current.Status.Terminal() {
		return decideTerminal(current, cmd)
	}

	switch p := cmd.Payload.(type) {
	case domain.AcceptPayload:
		return decideAccept(current, actor, p)
	case domain.RejectPayload:
		return decideReject(current, actor, p)
	case domain.ReschedulePayload:
		return decideReschedule(current, actor, p)
	case domain.AcceptSchedulePayload:
		return decideScheduleAnswer(current, true, "")
	case domain.RejectSchedulePayload:
		return decideScheduleAnswer(current, false, p.Reason)
	case domain.StartPayload:
		return decideStart(current)
	case domain.ResolvePayload:
		return decideResolve(current, p)
	case domain.CancelPayload:
		return Decision{
			Kind:    domain.EventRequestCancelled,
			Status:  domain.StatusCancelled,
			Payload: domain.RequestCancelledPayload{Reason: p.Reason},
		}, nil
	case domain.ChatSendPayload:
		recipient := current.CustomerID
		if actor.Role == domain.RoleCustomer {
			recipient = current.Assignee()
		}
		return Decision{
			Kind:   domain.EventChatMessageSent,
			Status: current.Status,
			Payload: domain.ChatMessageSentPayload{
				SenderID:    actor.ID,
				RecipientID: recipient,
				Body:        p.Body,
			},
		}, nil
	case domain.AttachmentAddPayload:
		return Decision{
			Kind:   domain.EventAttachmentAdded,
			Status: current.Status,
			Payload: domain.AttachmentAddedPayload{
				Filename:   p.Filename,
				Size:       p.Size,
				UploadedAt: now.UTC(),
			},
		}, nil
	}
	return Decision{}, apperrors.NewValidationError("unsupported command", map[string]any{"type": cmd.Type})
}

func decideCreate(current *domain.AsRequest, cmd domain.Command) (Decision, error) {
	if current != nil {
		return Decision{}, apperrors.NewConflict("request already exists", map[string]any{"request_id": current.ID})
	}
	if cmd.Actor.Role != domain.RoleCustomer {
		return Decision{}, apperrors.NewForbidden("only customers may file requests")
	}
	p, ok := cmd.Payload.(domain.CreatePayload)
	if !ok {
		return Decision{}, apperrors.NewValidationError("payload does not match command type", nil)
	}
	return Decision{
		Kind:   domain.EventRequestCreated,
		Status: domain.StatusPendingSchedule,
		Payload: domain.RequestCreatedPayload{
			CustomerID:  cmd.Actor.ID,
			BayID:       p.BayID,
			EquipmentID: p.EquipmentID,
			Problem:     p.Problem,
			Priority:    p.Priority,
		},
	}, nil
}

// authorizeCommand enforces which roles may issue which commands. It runs
// before any status check so wrong-role commands never look like state errors.
func authorizeCommand(req *domain.AsRequest, cmd domain.Command) error {
	actor := cmd.Actor
	isCustomer := actor.Role == domain.RoleCustomer
	isAssignee := actor.Role == domain.RoleTechnician && req.IsAssignedTo(actor.ID)

	switch cmd.Type {
	case domain.CommandAccept, domain.CommandReject:
		if actor.Role != domain.RoleTechnician {
			return apperrors.NewForbidden("only technicians may " + string(cmd.Type) + " requests")
		}
	case domain.CommandStart, domain.CommandResolve:
		if actor.Role != domain.RoleTechnician {
			return apperrors.NewForbidden("only the assigned technician may " + string(cmd.Type) + " a request")
		}
		if req.AssignedTechnicianID != nil && !isAssignee {
			return apperrors.NewForbidden("only the assigned technician may " + string(cmd.Type) + " a request")
		}
	case domain.CommandReschedule, domain.CommandChatSend, domain.CommandAttachmentAdd:
		if !isCustomer && !isAssignee {
			return apperrors.NewForbidden("only the customer or the assigned technician may " + string(cmd.Type))
		}
	case domain.CommandAcceptSchedule, domain.CommandRejectSchedule:
		if !isCustomer {
			return apperrors.NewForbidden("only the customer may answer a schedule proposal")
		}
	case domain.CommandCancel:
		if !isCustomer && actor.Role != domain.RoleStaff {
			return apperrors.NewForbidden("only the customer or staff may cancel a request")
		}
	}
	return nil
}

func decideTerminal(req *domain.AsRequest, cmd domain.Command) (Decision, error) {
	if (req.Status == domain.StatusResolved && cmd.Type == domain.CommandResolve) ||
		(req.Status == domain.StatusCancelled && cmd.Type == domain.CommandCancel) {
		return Decision{Status: req.Status, NoOp: true}, nil
	}
	return Decision{}, illegal(req, cmd.Type)
}

func decideAccept(req *domain.AsRequest, actor domain.Actor, p domain.AcceptPayload) (Decision, error) {
	switch req.Status {
	case domain.StatusPendingSchedule, domain.StatusRejected:
		if p.ScheduledAt == nil {
			return Decision{}, apperrors.NewValidationError("scheduled_at required to accept", nil)
		}
		return accepted(actor.ID, *p.ScheduledAt), nil
	case domain.StatusRescheduled:
		if !req.IsAssignedTo(actor.ID) {
			return Decision{}, apperrors.NewForbidden("only the assigned technician may confirm a reschedule")
		}
		// A technician's own proposal waits for the customer's answer.
		if req.Proposal == nil || hasTechnicianProposal(req) {
			return Decision{}, illegal(req, domain.CommandAccept)
		}
		at := req.Proposal.ProposedAt
		if p.ScheduledAt != nil {
			at = *p.ScheduledAt
		}
		return accepted(actor.ID, at), nil
	case domain.StatusScheduled, domain.StatusInProgress:
		if req.IsAssignedTo(actor.ID) && (p.ScheduledAt == nil || (req.Schedule != nil && req.Schedule.Equal(*p.ScheduledAt))) {
			return Decision{Status: req.Status, NoOp: true}, nil
		}
	}
	return Decision{}, illegal(req, domain.CommandAccept)
}

func accepted(technicianID string, at time.Time) Decision {
	return Decision{
		Kind:   domain.EventRequestAccepted,
		Status: domain.StatusScheduled,
		Payload: domain.RequestAcceptedPayload{
			TechnicianID: technicianID,
			ScheduledAt:  at.UTC(),
		},
	}
}

func decideReject(req *domain.AsRequest, actor domain.Actor, p domain.RejectPayload) (Decision, error) {
	if req.Status != domain.StatusPendingSchedule {
		if req.Status == domain.StatusRejected {
			return Decision{Status: req.Status, NoOp: true}, nil
		}
		return Decision{}, illegal(req, domain.CommandReject)
	}
	return Decision{
		Kind:    domain.EventRequestRejected,
		Status:  domain.StatusRejected,
		Payload: domain.RequestRejectedPayload{TechnicianID: actor.ID, Reason: p.Reason},
	}, nil
}

func decideReschedule(req *domain.AsRequest, actor domain.Actor, p domain.ReschedulePayload) (Decision, error) {
	proposal := domain.RescheduleProposedPayload{
		ProposedAt:     p.ProposedAt.UTC(),
		Reason:         p.Reason,
		ProposedBy:     actor.ID,
		ProposedByRole: actor.Role,
	}
	next := domain.StatusRescheduled

	switch req.Status {
	case domain.StatusScheduled, domain.StatusInProgress:
	case domain.StatusRescheduled:
		// The technician answering an open reschedule makes a fresh proposal
		// the customer has to confirm.
		if actor.Role == domain.RoleTechnician {
			next = domain.StatusPendingSchedule
		}
	case domain.StatusPendingSchedule:
		// Customer counters a pending technician proposal.
		if actor.Role != domain.RoleCustomer || !hasTechnicianProposal(req) {
			return Decision{}, illegal(req, domain.CommandReschedule)
		}
	default:
		return Decision{}, illegal(req, domain.CommandReschedule)
	}
	return Decision{Kind: domain.EventRescheduleProposed, Status: next, Payload: proposal}, nil
}

func decideScheduleAnswer(req *domain.AsRequest, accept bool, reason string) (Decision, error) {
	cmdType := domain.CommandRejectSchedule
	if accept {
		cmdType = domain.CommandAcceptSchedule
	}
	if (req.Status != domain.StatusPendingSchedule && req.Status != domain.StatusRescheduled) || !hasTechnicianProposal(req) {
		return Decision{}, apperrors.NewIllegalTransition("no technician proposal pending", map[string]any{
			"status":  req.Status,
			"command": cmdType,
		})
	}
	if accept {
		return Decision{
			Kind:    domain.EventScheduleAccepted,
			Status:  domain.StatusScheduled,
			Payload: domain.ScheduleAcceptedPayload{ScheduledAt: req.Proposal.ProposedAt},
		}, nil
	}
	return Decision{
		Kind:    domain.EventScheduleRejected,
		Status:  domain.StatusPendingSchedule,
		Payload: domain.ScheduleRejectedPayload{Reason: reason},
	}, nil
}

func decideStart(req *domain.AsRequest) (Decision, error) {
	switch req.Status {
	case domain.StatusScheduled:
		return Decision{Kind: domain.EventWorkStarted, Status: domain.StatusInProgress, Payload: domain.WorkStartedPayload{}}, nil
	case domain.StatusInProgress:
		return Decision{Status: req.Status, NoOp: true}, nil
	}
	return Decision{}, illegal(req, domain.CommandStart)
}

func decideResolve(req *domain.AsRequest, p domain.ResolvePayload) (Decision, error) {
	if req.AssignedTechnicianID == nil {
		return Decision{}, apperrors.NewIllegalTransition("request has not been accepted", map[string]any{"status": req.Status})
	}
	switch req.Status {
	case domain.StatusPendingSchedule, domain.StatusScheduled, domain.StatusInProgress, domain.StatusRescheduled:
		return Decision{
			Kind:    domain.EventRequestResolved,
			Status:  domain.StatusResolved,
			Payload: domain.RequestResolvedPayload{Note: p.Note},
		}, nil
	}
	return Decision{}, illegal(req, domain.CommandResolve)
}

func hasTechnicianProposal(req *domain.AsRequest) bool {
	return req.Proposal != nil && req.Proposal.ProposedByRole == domain.RoleTechnician
}

func illegal(req *domain.AsRequest, cmd domain.CommandType) error {
	return apperrors.NewIllegalTransition("command not allowed in current status", map[string]any{
		"status":  req.Status,
		"command": cmd,
	})
}
