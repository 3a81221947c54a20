// Package eventstore persists the per-request event log together with the
// materialized request rows derived from it.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

var (
	// ErrConflict means the materialized state moved since the caller read it.
	ErrConflict = errors.New("eventstore: concurrent modification")
	// ErrNotFound means the request has no events.
	ErrNotFound = errors.New("eventstore: request not found")
)

// AppendInput describes one event to append. ExpectedSequence is 0 for the
// creating event; ExpectedStatus is checked when non-empty.
type AppendInput struct {
	RequestID        string
	Kind             domain.EventKind
	Status           domain.RequestStatus
	Payload          any
	Actor            domain.Actor
	ActorIP          string
	ExpectedStatus   domain.RequestStatus
	ExpectedSequence int64
}

// Appended is the committed event and the request state after it.
type Appended struct {
	Event   domain.Event
	Request *domain.AsRequest
}

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Status       domain.RequestStatus
	CustomerID   string
	TechnicianID string
	// Unassigned keeps only requests no technician holds.
	Unassigned   bool
	UpdatedSince *time.Time
	Limit        int
	Offset       int
}

// Stats summarizes the dashboard numbers.
type Stats struct {
	Total                int                          `json:"total"`
	ByStatus             map[domain.RequestStatus]int `json:"by_status"`
	AvgResolutionMinutes float64                      `json:"avg_resolution_minutes"`
	CreatedToday         int                          `json:"created_today"`
}

// Store is the durable event log. Append is the only mutation point.
type Store interface {
	Append(ctx context.Context, in AppendInput) (Appended, error)
	LoadRequest(ctx context.Context, id string) (*domain.AsRequest, error)
	History(ctx context.Context, id string, afterSeq int64) ([]domain.Event, error)
	Messages(ctx context.Context, id string) ([]domain.ChatMessage, error)
	MarkDelivered(ctx context.Context, requestID, messageID, actorID string, at time.Time) error
	Rebuild(ctx context.Context, id string) (*domain.AsRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]domain.AsRequest, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	AuditEvents(ctx context.Context, filter AuditFilter) (AuditPage, error)
	AuditStats(ctx context.Context, now time.Time) (AuditStats, error)
	IPActivity(ctx context.Context, ip string) (IPActivity, error)
	Close() error
}

const defaultListLimit = 100

// prepare checks the caller's expectations against the locked current row and
// folds the new event into a copy of it.
func prepare(current *domain.AsRequest, in AppendInput, now time.Time) (domain.Event, *domain.AsRequest, error) {
	if current == nil {
		if in.Kind != domain.EventRequestCreated {
			return domain.Event{}, nil, ErrNotFound
		}
		if in.ExpectedSequence != 0 {
			return domain.Event{}, nil, ErrConflict
		}
	} else {
		if in.Kind == domain.EventRequestCreated {
			return domain.Event{}, nil, ErrConflict
		}
		if current.Sequence != in.ExpectedSequence {
			return domain.Event{}, nil, ErrConflict
		}
		if in.ExpectedStatus != "" && current.Status != in.ExpectedStatus {
			return domain.Event{}, nil, ErrConflict
		}
	}

	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return domain.Event{}, nil, fmt.Errorf("marshal %s payload: %w", in.Kind, err)
	}

	next := current.Clone()
	if next == nil {
		next = &domain.AsRequest{}
	}
	evt := domain.Event{
		Sequence:  next.Sequence + 1,
		RequestID: in.RequestID,
		Kind:      in.Kind,
		Status:    in.Status,
		ActorID:   in.Actor.ID,
		ActorRole: in.Actor.Role,
		ActorIP:   in.ActorIP,
		Payload:   payload,
		Timestamp: storeTime(now),
	}
	if err := next.Apply(evt); err != nil {
		return domain.Event{}, nil, err
	}
	return evt, next, nil
}

// sideRows are the chat and attachment rows an event materializes besides the
// request row.
type sideRows struct {
	chat       *domain.ChatMessage
	attachment *domain.Attachment
}

func deriveSideRows(evt domain.Event, next *domain.AsRequest) (sideRows, error) {
	var rows sideRows
	switch evt.Kind {
	case domain.EventChatMessageSent:
		var p domain.ChatMessageSentPayload
		if err := evt.DecodePayload(&p); err != nil {
			return rows, err
		}
		if p.MessageID == "" {
			return rows, errors.New("chat message id required")
		}
		rows.chat = &domain.ChatMessage{
			ID:          p.MessageID,
			RequestID:   evt.RequestID,
			Sequence:    evt.Sequence,
			SenderID:    p.SenderID,
			RecipientID: p.RecipientID,
			Body:        p.Body,
			SentAt:      evt.Timestamp,
		}
	case domain.EventAttachmentAdded:
		att := next.Attachments[len(next.Attachments)-1]
		rows.attachment = &att
	}
	return rows, nil
}

// storeTime normalizes timestamps to what both backends round-trip exactly.
func storeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
