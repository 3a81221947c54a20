package hub

import (
	"encoding/json"
	"time"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

// Frame types pushed to live connections.
const (
	FrameEvent           = "event"
	FrameRequestCreated  = "request_created"
	FrameRequestAssigned = "request_assigned"
)

// Notification is the per-connection view of one committed event. Sequence
// doubles as the client's resume token.
type Notification struct {
	Type      string               `json:"type"`
	RequestID string               `json:"requestId"`
	Sequence  int64                `json:"sequence"`
	Kind      domain.EventKind     `json:"kind"`
	ActorID   string               `json:"actorId"`
	Timestamp time.Time            `json:"timestamp"`
	Status    domain.RequestStatus `json:"status"`
	Payload   json.RawMessage      `json:"payload"`
}

// NewNotification builds the notification for evt.
func NewNotification(evt domain.Event) Notification {
	return Notification{
		Type:      FrameEvent,
		RequestID: evt.RequestID,
		Sequence:  evt.Sequence,
		Kind:      evt.Kind,
		ActorID:   evt.ActorID,
		Timestamp: evt.Timestamp,
		Status:    evt.Status,
		Payload:   evt.Payload,
	}
}

// FeedItem is the technician dashboard summary of a new or taken request.
type FeedItem struct {
	Type         string                 `json:"type"`
	RequestID    string                 `json:"requestId"`
	BayID        string                 `json:"bayId"`
	EquipmentID  string                 `json:"equipmentId"`
	Problem      string                 `json:"problem"`
	Priority     domain.RequestPriority `json:"priority"`
	Urgent       bool                   `json:"urgent"`
	Status       domain.RequestStatus   `json:"status"`
	TechnicianID string                 `json:"technicianId,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

func newFeedItem(frame string, req *domain.AsRequest, at time.Time) FeedItem {
	return FeedItem{
		Type:         frame,
		RequestID:    req.ID,
		BayID:        req.BayID,
		EquipmentID:  req.EquipmentID,
		Problem:      req.Problem,
		Priority:     req.Priority,
		Urgent:       req.Priority == domain.PriorityUrgent,
		Status:       req.Status,
		TechnicianID: req.Assignee(),
		Timestamp:    at,
	}
}
