package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind enumerates the durable event identifiers.
type EventKind string

const (
	EventRequestCreated     EventKind = "request_created"
	EventRequestAccepted    EventKind = "request_accepted"
	EventRequestRejected    EventKind = "request_rejected"
	EventRescheduleProposed EventKind = "reschedule_proposed"
	EventScheduleAccepted   EventKind = "schedule_accepted"
	EventScheduleRejected   EventKind = "schedule_rejected"
	EventWorkStarted        EventKind = "work_started"
	EventRequestResolved    EventKind = "request_resolved"
	EventRequestCancelled   EventKind = "request_cancelled"
	EventChatMessageSent    EventKind = "chat_message_sent"
	EventAttachmentAdded    EventKind = "attachment_added"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventRequestCreated, EventRequestAccepted, EventRequestRejected, EventRescheduleProposed,
		EventScheduleAccepted, EventScheduleRejected, EventWorkStarted, EventRequestResolved,
		EventRequestCancelled, EventChatMessageSent, EventAttachmentAdded:
		return true
	}
	return false
}

// Event is the append-only record of one accepted command. Status is the
// request status after the event was applied.
type Event struct {
	Sequence  int64           `json:"sequence"`
	RequestID string          `json:"request_id"`
	Kind      EventKind       `json:"kind"`
	Status    RequestStatus   `json:"status"`
	ActorID   string          `json:"actor_id"`
	ActorRole Role            `json:"actor_role"`
	ActorIP   string          `json:"actor_ip,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// RequestCreatedPayload payload.
type RequestCreatedPayload struct {
	CustomerID  string          `json:"customer_id"`
	BayID       string          `json:"bay_id"`
	EquipmentID string          `json:"equipment_id"`
	Problem     string          `json:"problem"`
	Priority    RequestPriority `json:"priority"`
}

// RequestAcceptedPayload payload.
type RequestAcceptedPayload struct {
	TechnicianID string    `json:"technician_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// RequestRejectedPayload payload.
type RequestRejectedPayload struct {
	TechnicianID string `json:"technician_id"`
	Reason       string `json:"reason,omitempty"`
}

// RescheduleProposedPayload payload.
type RescheduleProposedPayload struct {
	ProposedAt     time.Time `json:"proposed_at"`
	Reason         string    `json:"reason"`
	ProposedBy     string    `json:"proposed_by"`
	ProposedByRole Role      `json:"proposed_by_role"`
}

// ScheduleAcceptedPayload payload.
type ScheduleAcceptedPayload struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// ScheduleRejectedPayload payload.
type ScheduleRejectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// WorkStartedPayload payload.
type WorkStartedPayload struct{}

// RequestResolvedPayload payload.
type RequestResolvedPayload struct {
	Note string `json:"note,omitempty"`
}

// RequestCancelledPayload payload.
type RequestCancelledPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ChatMessageSentPayload payload.
type ChatMessageSentPayload struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	Body        string `json:"body"`
}

// AttachmentAddedPayload payload.
type AttachmentAddedPayload struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}
