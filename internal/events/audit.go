package events

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

const maxSummaryLength = 200

// AuditRecord is the structured audit line written for every accepted event.
type AuditRecord struct {
	RequestID string               `json:"request_id"`
	Sequence  int64                `json:"sequence"`
	Kind      domain.EventKind     `json:"kind"`
	Status    domain.RequestStatus `json:"status"`
	ActorID   string               `json:"actor_id"`
	ActorRole domain.Role          `json:"actor_role"`
	ActorIP   string               `json:"actor_ip,omitempty"`
	Summary   string               `json:"summary"`
	Timestamp time.Time            `json:"timestamp"`
}

// AuditWriter persists audit records somewhere outside the event store.
type AuditWriter interface {
	Write(ctx context.Context, record AuditRecord) error
}

// NewAuditRecord builds the audit view of evt.
func NewAuditRecord(evt domain.Event) AuditRecord {
	return AuditRecord{
		RequestID: evt.RequestID,
		Sequence:  evt.Sequence,
		Kind:      evt.Kind,
		Status:    evt.Status,
		ActorID:   evt.ActorID,
		ActorRole: evt.ActorRole,
		ActorIP:   evt.ActorIP,
		Summary:   Summarize(evt),
		Timestamp: evt.Timestamp,
	}
}

// Summarize renders a short human readable description of the payload.
func Summarize(evt domain.Event) string {
	var summary string
	switch evt.Kind {
	case domain.EventRequestCreated:
		var p domain.RequestCreatedPayload
		if evt.DecodePayload(&p) == nil {
			summary = fmt.Sprintf("bay=%s equipment=%s priority=%s problem=%s", p.BayID, p.EquipmentID, p.Priority, p.Problem)
		}
	case domain.EventRequestAccepted:
		var p domain.RequestAcceptedPayload
		if evt.DecodePayload(&p) == nil {
			summary = fmt.Sprintf("technician=%s visit=%s", p.TechnicianID, p.ScheduledAt.Format(time.RFC3339))
		}
	case domain.EventRescheduleProposed:
		var p domain.RescheduleProposedPayload
		if evt.DecodePayload(&p) == nil {
			summary = fmt.Sprintf("proposed=%s by=%s reason=%s", p.ProposedAt.Format(time.RFC3339), p.ProposedByRole, p.Reason)
		}
	case domain.EventChatMessageSent:
		var p domain.ChatMessageSentPayload
		if evt.DecodePayload(&p) == nil {
			summary = fmt.Sprintf("message=%s to=%s body=%s", p.MessageID, p.RecipientID, p.Body)
		}
	case domain.EventAttachmentAdded:
		var p domain.AttachmentAddedPayload
		if evt.DecodePayload(&p) == nil {
			summary = fmt.Sprintf("file=%s size=%d", p.Filename, p.Size)
		}
	}
	if summary == "" {
		summary = string(evt.Payload)
	}
	return truncate(summary, maxSummaryLength)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// ZapAuditWriter writes audit records as structured log lines.
type ZapAuditWriter struct {
	logger *zap.Logger
}

// NewZapAuditWriter names the audit logger.
func NewZapAuditWriter(logger *zap.Logger) *ZapAuditWriter {
	return &ZapAuditWriter{logger: logger.Named("audit")}
}

func (w *ZapAuditWriter) Write(_ context.Context, r AuditRecord) error {
	w.logger.Info("event accepted",
		zap.String("request_id", r.RequestID),
		zap.Int64("sequence", r.Sequence),
		zap.String("kind", string(r.Kind)),
		zap.String("status", string(r.Status)),
		zap.String("actor_id", r.ActorID),
		zap.String("actor_role", string(r.ActorRole)),
		zap.String("ip", r.ActorIP),
		zap.String("summary", r.Summary),
		zap.Time("event_ts", r.Timestamp),
	)
	return nil
}

// AuditSubscriber adapts an AuditWriter to a dispatcher handler.
func AuditSubscriber(w AuditWriter) EventHandler {
	return func(ctx context.Context, evt domain.Event) error {
		return w.Write(ctx, NewAuditRecord(evt))
	}
}
