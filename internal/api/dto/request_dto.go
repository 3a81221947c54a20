package dto

import (
	"encoding/json"
	"time"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

// CommandRequest is the HTTP form of a command envelope.
type CommandRequest struct {
	Type      domain.CommandType `json:"type"`
	RequestID string             `json:"request_id"`
	ActorID   string             `json:"actor_id"`
	Payload   json.RawMessage    `json:"payload"`
}

// RequestResponse is the materialized request.
type RequestResponse struct {
	ID                   string                 `json:"id"`
	CustomerID           string                 `json:"customer_id"`
	BayID                string                 `json:"bay_id"`
	EquipmentID          string                 `json:"equipment_id"`
	Problem              string                 `json:"problem"`
	Priority             domain.RequestPriority `json:"priority"`
	Status               domain.RequestStatus   `json:"status"`
	AssignedTechnicianID *string                `json:"assigned_technician_id"`
	Schedule             *time.Time             `json:"schedule"`
	Proposal             *domain.Proposal       `json:"proposal,omitempty"`
	Attachments          []domain.Attachment    `json:"attachments"`
	Sequence             int64                  `json:"sequence"`
	CreatedAt            time.Time              `json:"created_at"`
	UpdatedAt            time.Time              `json:"updated_at"`
	ResolvedAt           *time.Time             `json:"resolved_at"`
}

// EventResponse is one history entry.
type EventResponse struct {
	Sequence  int64                `json:"sequence"`
	Kind      domain.EventKind     `json:"kind"`
	Status    domain.RequestStatus `json:"status"`
	ActorID   string               `json:"actor_id"`
	ActorRole domain.Role          `json:"actor_role"`
	Payload   json.RawMessage      `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
}

// CommandResponse reports what a command did.
type CommandResponse struct {
	Request RequestResponse `json:"request"`
	Event   *EventResponse  `json:"event"`
	NoOp    bool            `json:"noop"`
}

// MessageResponse is one chat message.
type MessageResponse struct {
	ID          string               `json:"id"`
	Sequence    int64                `json:"sequence"`
	SenderID    string               `json:"sender_id"`
	RecipientID string               `json:"recipient_id,omitempty"`
	Body        string               `json:"body"`
	SentAt      time.Time            `json:"sent_at"`
	Delivered   map[string]time.Time `json:"delivered"`
}

// AttachmentResponse describes an accepted upload.
type AttachmentResponse struct {
	Filename string          `json:"filename"`
	Original string          `json:"original"`
	Size     int64           `json:"size"`
	Result   CommandResponse `json:"result"`
}

// AuditEventResponse is one event as the staff audit views show it.
type AuditEventResponse struct {
	RequestID string `json:"request_id"`
	ActorIP   string `json:"actor_ip"`
	EventResponse
}

// AuditPageResponse is one page of the audit log.
type AuditPageResponse struct {
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	Events   []AuditEventResponse `json:"events"`
}
