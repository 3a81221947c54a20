package domain

import (
	"encoding/json"
	"strings"
	"time"

	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// CommandType enumerates inbound command kinds.
type CommandType string

const (
	CommandCreate         CommandType = "create"
	CommandAccept         CommandType = "accept"
	CommandReject         CommandType = "reject"
	CommandReschedule     CommandType = "reschedule"
	CommandAcceptSchedule CommandType = "accept_schedule"
	CommandRejectSchedule CommandType = "reject_schedule"
	CommandStart          CommandType = "start"
	CommandResolve        CommandType = "resolve"
	CommandCancel         CommandType = "cancel"
	CommandChatSend       CommandType = "chat_send"
	CommandAttachmentAdd  CommandType = "attachment_add"
)

const maxChatBodyLength = 4000

// Envelope is the transport-agnostic wire shape of a command.
type Envelope struct {
	Type      CommandType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandPayload is implemented by the typed payload of every command kind.
type CommandPayload interface {
	CommandType() CommandType
}

// Command is a validated command: a kind plus its strongly typed payload.
type Command struct {
	Type      CommandType
	RequestID string
	Actor     Actor
	ActorIP   string
	Payload   CommandPayload
}

// CreatePayload opens a new AS request.
type CreatePayload struct {
	BayID       string
	EquipmentID string
	Problem     string
	Priority    RequestPriority
}

// AcceptPayload carries the visit time the technician commits to.
type AcceptPayload struct {
	ScheduledAt *time.Time
}

// RejectPayload declines an unassigned request.
type RejectPayload struct {
	Reason string
}

// ReschedulePayload proposes a new visit time.
type ReschedulePayload struct {
	ProposedAt time.Time
	Reason     string
}

// AcceptSchedulePayload confirms the technician's proposal.
type AcceptSchedulePayload struct{}

// RejectSchedulePayload refuses the technician's proposal.
type RejectSchedulePayload struct {
	Reason string
}

// StartPayload marks the technician on site.
type StartPayload struct{}

// ResolvePayload closes the request as fixed.
type ResolvePayload struct {
	Note string
}

// CancelPayload withdraws the request.
type CancelPayload struct {
	Reason string
}

// ChatSendPayload is a chat message body.
type ChatSendPayload struct {
	Body string
}

// AttachmentAddPayload records uploaded file metadata.
type AttachmentAddPayload struct {
	Filename string
	Size     int64
}

func (CreatePayload) CommandType() CommandType         { return CommandCreate }
func (AcceptPayload) CommandType() CommandType         { return CommandAccept }
func (RejectPayload) CommandType() CommandType         { return CommandReject }
func (ReschedulePayload) CommandType() CommandType     { return CommandReschedule }
func (AcceptSchedulePayload) CommandType() CommandType { return CommandAcceptSchedule }
func (RejectSchedulePayload) CommandType() CommandType { return CommandRejectSchedule }
func (StartPayload) CommandType() CommandType          { return CommandStart }
func (ResolvePayload) CommandType() CommandType        { return CommandResolve }
func (CancelPayload) CommandType() CommandType         { return CommandCancel }
func (ChatSendPayload) CommandType() CommandType       { return CommandChatSend }
func (AttachmentAddPayload) CommandType() CommandType  { return CommandAttachmentAdd }

// DecodeCommand turns a wire envelope from an authenticated actor into a
// validated Command. Malformed input yields a validation error; an envelope
// naming a different actor than the authenticated one is forbidden.
func DecodeCommand(env Envelope, actor Actor, ip string) (Command, error) {
	if env.ActorID != "" && env.ActorID != actor.ID {
		return Command{}, apperrors.NewForbidden("actor_id does not match authenticated actor")
	}
	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return Command{}, err
	}
	cmd := Command{
		Type:      env.Type,
		RequestID: strings.TrimSpace(env.RequestID),
		Actor:     actor,
		ActorIP:   ip,
		Payload:   payload,
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Validate checks the command shape. It never consults request state.
func (c Command) Validate() error {
	if c.Actor.ID == "" || !c.Actor.Role.Valid() {
		return apperrors.NewValidationError("authenticated actor required", nil)
	}
	if c.Payload == nil || c.Payload.CommandType() != c.Type {
		return apperrors.NewValidationError("payload does not match command type", map[string]any{"type": c.Type})
	}
	if c.Type == CommandCreate {
		if c.RequestID != "" {
			return apperrors.NewValidationError("request_id must be absent for create", nil)
		}
	} else if c.RequestID == "" {
		return apperrors.NewValidationError("request_id required", map[string]any{"type": c.Type})
	}

	switch p := c.Payload.(type) {
	case CreatePayload:
		if p.BayID == "" || p.EquipmentID == "" || p.Problem == "" {
			return apperrors.NewValidationError("bay_id, equipment_id, problem required", nil)
		}
		if p.Priority != PriorityNormal && p.Priority != PriorityUrgent {
			return apperrors.NewValidationError("invalid priority", map[string]any{"priority": p.Priority})
		}
	case ReschedulePayload:
		if p.ProposedAt.IsZero() {
			return apperrors.NewValidationError("proposed_at required", nil)
		}
		if p.Reason == "" {
			return apperrors.NewValidationError("reason required", nil)
		}
	case ChatSendPayload:
		if p.Body == "" {
			return apperrors.NewValidationError("body required", nil)
		}
		if len(p.Body) > maxChatBodyLength {
			return apperrors.NewValidationError("body too long", map[string]any{"max": maxChatBodyLength})
		}
	case AttachmentAddPayload:
		if p.Filename == "" || p.Size < 0 {
			return apperrors.NewValidationError("filename and non-negative size required", nil)
		}
	}
	return nil
}

func decodePayload(typ CommandType, raw json.RawMessage) (CommandPayload, error) {
	switch typ {
	case CommandCreate:
		var w struct {
			BayID       string          `json:"bay_id"`
			EquipmentID string          `json:"equipment_id"`
			Problem     string          `json:"problem"`
			Priority    RequestPriority `json:"priority"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		if w.Priority == "" {
			w.Priority = PriorityNormal
		}
		return CreatePayload{
			BayID:       strings.TrimSpace(w.BayID),
			EquipmentID: strings.TrimSpace(w.EquipmentID),
			Problem:     strings.TrimSpace(w.Problem),
			Priority:    w.Priority,
		}, nil
	case CommandAccept:
		var w struct {
			ScheduledAt string `json:"scheduled_at"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		p := AcceptPayload{}
		if strings.TrimSpace(w.ScheduledAt) != "" {
			at, err := ParseVisitTime(w.ScheduledAt)
			if err != nil {
				return nil, apperrors.NewValidationError("invalid scheduled_at", map[string]any{"value": w.ScheduledAt})
			}
			p.ScheduledAt = &at
		}
		return p, nil
	case CommandReject:
		var w struct {
			Reason string `json:"reason"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		return RejectPayload{Reason: strings.TrimSpace(w.Reason)}, nil
	case CommandReschedule:
		var w struct {
			ProposedAt string `json:"proposed_at"`
			Reason     string `json:"reason"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		p := ReschedulePayload{Reason: strings.TrimSpace(w.Reason)}
		if strings.TrimSpace(w.ProposedAt) != "" {
			at, err := ParseVisitTime(w.ProposedAt)
			if err != nil {
				return nil, apperrors.NewValidationError("invalid proposed_at", map[string]any{"value": w.ProposedAt})
			}
			p.ProposedAt = at
		}
		return p, nil
	case CommandAcceptSchedule:
		return AcceptSchedulePayload{}, nil
	case CommandRejectSchedule:
		var w struct {
			Reason string `json:"reason"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		return RejectSchedulePayload{Reason: strings.TrimSpace(w.Reason)}, nil
	case CommandStart:
		return StartPayload{}, nil
	case CommandResolve:
		var w struct {
			Note string `json:"note"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		return ResolvePayload{Note: strings.TrimSpace(w.Note)}, nil
	case CommandCancel:
		var w struct {
			Reason string `json:"reason"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		return CancelPayload{Reason: strings.TrimSpace(w.Reason)}, nil
	case CommandChatSend:
		var w struct {
			Body string `json:"body"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		return ChatSendPayload{Body: strings.TrimSpace(w.Body)}, nil
	case CommandAttachmentAdd:
		var w struct {
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
		}
		if err := unmarshalPayload(raw, &w); err != nil {
			return nil, err
		}
		return AttachmentAddPayload{Filename: strings.TrimSpace(w.Filename), Size: w.Size}, nil
	default:
		return nil, apperrors.NewValidationError("unknown command type", map[string]any{"type": typ})
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return nil
}

var visitTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseVisitTime accepts RFC 3339 or a zone-less wall-clock time, read as UTC.
func ParseVisitTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range visitTimeLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
