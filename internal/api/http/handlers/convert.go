package handlers

import (
	"strconv"
	"time"

	"github.com/spec-kit/as-dispatch/internal/api/dto"
	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/hub"
)

func requestResponse(req *domain.AsRequest) dto.RequestResponse {
	attachments := req.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	return dto.RequestResponse{
		ID:                   req.ID,
		CustomerID:           req.CustomerID,
		BayID:                req.BayID,
		EquipmentID:          req.EquipmentID,
		Problem:              req.Problem,
		Priority:             req.Priority,
		Status:               req.Status,
		AssignedTechnicianID: req.AssignedTechnicianID,
		Schedule:             req.Schedule,
		Proposal:             req.Proposal,
		Attachments:          attachments,
		Sequence:             req.Sequence,
		CreatedAt:            req.CreatedAt,
		UpdatedAt:            req.UpdatedAt,
		ResolvedAt:           req.ResolvedAt,
	}
}

func eventResponse(evt domain.Event) dto.EventResponse {
	return dto.EventResponse{
		Sequence:  evt.Sequence,
		Kind:      evt.Kind,
		Status:    evt.Status,
		ActorID:   evt.ActorID,
		ActorRole: evt.ActorRole,
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	}
}

func commandResponse(res hub.Result) dto.CommandResponse {
	out := dto.CommandResponse{NoOp: res.NoOp}
	if res.Request != nil {
		out.Request = requestResponse(res.Request)
	}
	if res.Event != nil {
		evt := eventResponse(*res.Event)
		out.Event = &evt
	}
	return out
}

func messageResponse(msg domain.ChatMessage) dto.MessageResponse {
	delivered := msg.Delivered
	if delivered == nil {
		delivered = map[string]time.Time{}
	}
	return dto.MessageResponse{
		ID:          msg.ID,
		Sequence:    msg.Sequence,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Body:        msg.Body,
		SentAt:      msg.SentAt,
		Delivered:   delivered,
	}
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	parsed, err := strconv.Atoi(val)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
