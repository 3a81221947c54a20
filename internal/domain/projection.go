package domain

import (
	"errors"
	"fmt"
)

// ErrSequenceGap is returned when an event does not directly follow the last applied one.
var ErrSequenceGap = errors.New("event sequence gap")

// Apply folds evt into r. Events must be applied in sequence order starting at 1.
func (r *AsRequest) Apply(evt Event) error {
	if evt.Sequence != r.Sequence+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, r.Sequence, evt.Sequence)
	}
	if r.Sequence > 0 && evt.RequestID != r.ID {
		return fmt.Errorf("event for request %s applied to %s", evt.RequestID, r.ID)
	}

	switch evt.Kind {
	case EventRequestCreated:
		var p RequestCreatedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		r.ID = evt.RequestID
		r.CustomerID = p.CustomerID
		r.BayID = p.BayID
		r.EquipmentID = p.EquipmentID
		r.Problem = p.Problem
		r.Priority = p.Priority
		r.CreatedAt = evt.Timestamp
		r.Attachments = []Attachment{}
	case EventRequestAccepted:
		var p RequestAcceptedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		tech := p.TechnicianID
		at := p.ScheduledAt
		r.AssignedTechnicianID = &tech
		r.Schedule = &at
		r.Proposal = nil
	case EventRequestRejected:
		r.AssignedTechnicianID = nil
		r.Schedule = nil
		r.Proposal = nil
	case EventRescheduleProposed:
		var p RescheduleProposedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		r.Proposal = &Proposal{
			ProposedAt:     p.ProposedAt,
			Reason:         p.Reason,
			ProposedBy:     p.ProposedBy,
			ProposedByRole: p.ProposedByRole,
		}
	case EventScheduleAccepted:
		var p ScheduleAcceptedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		at := p.ScheduledAt
		r.Schedule = &at
		r.Proposal = nil
	case EventScheduleRejected:
		r.Proposal = nil
	case EventWorkStarted, EventRequestCancelled, EventChatMessageSent:
	case EventRequestResolved:
		at := evt.Timestamp
		r.ResolvedAt = &at
	case EventAttachmentAdded:
		var p AttachmentAddedPayload
		if err := evt.DecodePayload(&p); err != nil {
			return err
		}
		r.Attachments = append(r.Attachments, Attachment{
			Filename:   p.Filename,
			Size:       p.Size,
			UploadedAt: p.UploadedAt,
			UploadedBy: evt.ActorID,
		})
	default:
		return fmt.Errorf("unknown event kind %q", evt.Kind)
	}

	r.Status = evt.Status
	r.Sequence = evt.Sequence
	r.UpdatedAt = evt.Timestamp
	return nil
}

// Fold rebuilds a request from its full history.
func Fold(events []Event) (*AsRequest, error) {
	if len(events) == 0 {
		return nil, errors.New("no events to fold")
	}
	req := &AsRequest{}
	for _, evt := range events {
		if err := req.Apply(evt); err != nil {
			return nil, err
		}
	}
	return req, nil
}
