package domain

import "time"

// RequestStatus enumerates lifecycle states for AS requests.
type RequestStatus string

const (
	StatusCreated         RequestStatus = "created"
	StatusPendingSchedule RequestStatus = "pending_schedule"
	StatusScheduled       RequestStatus = "scheduled"
	StatusInProgress      RequestStatus = "in_progress"
	StatusResolved        RequestStatus = "resolved"
	StatusRejected        RequestStatus = "rejected"
	StatusRescheduled     RequestStatus = "rescheduled"
	StatusCancelled       RequestStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusPendingSchedule, StatusScheduled, StatusInProgress,
		StatusResolved, StatusRejected, StatusRescheduled, StatusCancelled:
		return true
	}
	return false
}

// RequestPriority flags urgent visits for the technician feed.
type RequestPriority string

const (
	PriorityNormal RequestPriority = "normal"
	PriorityUrgent RequestPriority = "urgent"
)

// Proposal is a schedule change awaiting the other party's answer.
type Proposal struct {
	ProposedAt     time.Time `json:"proposed_at"`
	Reason         string    `json:"reason"`
	ProposedBy     string    `json:"proposed_by"`
	ProposedByRole Role      `json:"proposed_by_role"`
}

// Attachment is the metadata recorded for an uploaded file.
type Attachment struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
	UploadedBy string    `json:"uploaded_by"`
}

// AsRequest is the aggregate for an after-service request. It is materialized
// from the request's event sequence; Sequence is the last applied event.
type AsRequest struct {
	ID                   string          `json:"id"`
	CustomerID           string          `json:"customer_id"`
	BayID                string          `json:"bay_id"`
	EquipmentID          string          `json:"equipment_id"`
	Problem              string          `json:"problem"`
	Priority             RequestPriority `json:"priority"`
	Status               RequestStatus   `json:"status"`
	AssignedTechnicianID *string         `json:"assigned_technician_id,omitempty"`
	Schedule             *time.Time      `json:"schedule,omitempty"`
	Proposal             *Proposal       `json:"proposal,omitempty"`
	Attachments          []Attachment    `json:"attachments"`
	Sequence             int64           `json:"sequence"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	ResolvedAt           *time.Time      `json:"resolved_at,omitempty"`
}

// IsAssignedTo reports whether actorID holds the request.
func (r *AsRequest) IsAssignedTo(actorID string) bool {
	return r.AssignedTechnicianID != nil && *r.AssignedTechnicianID == actorID
}

// Assignee returns the assigned technician id or "".
func (r *AsRequest) Assignee() string {
	if r.AssignedTechnicianID == nil {
		return ""
	}
	return *r.AssignedTechnicianID
}

// Clone returns a deep copy safe to mutate.
func (r *AsRequest) Clone() *AsRequest {
	if r == nil {
		return nil
	}
	out := *r
	if r.AssignedTechnicianID != nil {
		id := *r.AssignedTechnicianID
		out.AssignedTechnicianID = &id
	}
	if r.Schedule != nil {
		t := *r.Schedule
		out.Schedule = &t
	}
	if r.Proposal != nil {
		p := *r.Proposal
		out.Proposal = &p
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		out.ResolvedAt = &t
	}
	if r.Attachments != nil {
		out.Attachments = make([]Attachment, len(r.Attachments))
		copy(out.Attachments, r.Attachments)
	}
	return &out
}
