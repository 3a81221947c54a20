package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/config"
	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/persistence"
)

var (
	customer = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	tech     = domain.Actor{ID: "tech-1", Role: domain.RoleTechnician}
	visit    = time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)
)

func newSQLiteStore(t *testing.T) (*SQLiteStore, *sql.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.OpenSQLite(ctx, config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "store.db")}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, persistence.RunSQLiteMigrations(ctx, db, zap.NewNop()))
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLiteStore(db)
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	store.Now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return store, db
}

func createInput(id string) AppendInput {
	return AppendInput{
		RequestID: id,
		Kind:      domain.EventRequestCreated,
		Status:    domain.StatusPendingSchedule,
		Payload: domain.RequestCreatedPayload{
			CustomerID:  customer.ID,
			BayID:       "bay-2",
			EquipmentID: "foam-brush",
			Problem:     "brush not rotating",
			Priority:    domain.PriorityNormal,
		},
		Actor:   customer,
		ActorIP: "10.0.0.7",
	}
}

func acceptInput(id string, expected int64) AppendInput {
	return AppendInput{
		RequestID:        id,
		Kind:             domain.EventRequestAccepted,
		Status:           domain.StatusScheduled,
		Payload:          domain.RequestAcceptedPayload{TechnicianID: tech.ID, ScheduledAt: visit},
		Actor:            tech,
		ExpectedStatus:   domain.StatusPendingSchedule,
		ExpectedSequence: expected,
	}
}

func chatInput(id, messageID, body string, from domain.Actor, to string, status domain.RequestStatus, expected int64) AppendInput {
	return AppendInput{
		RequestID:        id,
		Kind:             domain.EventChatMessageSent,
		Status:           status,
		Payload:          domain.ChatMessageSentPayload{MessageID: messageID, SenderID: from.ID, RecipientID: to, Body: body},
		Actor:            from,
		ExpectedStatus:   status,
		ExpectedSequence: expected,
	}
}

func requireSameSnapshot(t *testing.T, want, got *domain.AsRequest) {
	t.Helper()
	a, err := json.Marshal(want)
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	require.JSONEq(t, string(a), string(b))
}

func TestSQLiteAppendMaterializesRequest(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	created, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Event.Sequence)
	require.Equal(t, domain.StatusPendingSchedule, created.Request.Status)
	require.Equal(t, "10.0.0.7", created.Event.ActorIP)

	accepted, err := store.Append(ctx, acceptInput("req-1", 1))
	require.NoError(t, err)
	require.EqualValues(t, 2, accepted.Event.Sequence)
	require.Equal(t, tech.ID, accepted.Request.Assignee())

	_, err = store.Append(ctx, chatInput("req-1", "msg-1", "on my way", tech, customer.ID, domain.StatusScheduled, 2))
	require.NoError(t, err)

	_, err = store.Append(ctx, AppendInput{
		RequestID:        "req-1",
		Kind:             domain.EventAttachmentAdded,
		Status:           domain.StatusScheduled,
		Payload:          domain.AttachmentAddedPayload{Filename: "brush.jpg", Size: 4096, UploadedAt: visit},
		Actor:            customer,
		ExpectedSequence: 3,
	})
	require.NoError(t, err)

	loaded, err := store.LoadRequest(ctx, "req-1")
	require.NoError(t, err)
	require.EqualValues(t, 4, loaded.Sequence)
	require.Equal(t, domain.StatusScheduled, loaded.Status)
	require.Len(t, loaded.Attachments, 1)
	require.Equal(t, customer.ID, loaded.Attachments[0].UploadedBy)

	history, err := store.History(ctx, "req-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, evt := range history {
		require.EqualValues(t, i+1, evt.Sequence)
	}

	folded, err := domain.Fold(history)
	require.NoError(t, err)
	requireSameSnapshot(t, loaded, folded)

	tail, err := store.History(ctx, "req-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, domain.EventChatMessageSent, tail[0].Kind)
}

func TestSQLiteAppendRejectsStaleExpectations(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)

	_, err = store.Append(ctx, createInput("req-1"))
	require.ErrorIs(t, err, ErrConflict)

	_, err = store.Append(ctx, acceptInput("req-1", 0))
	require.ErrorIs(t, err, ErrConflict)

	stale := acceptInput("req-1", 1)
	stale.ExpectedStatus = domain.StatusRejected
	_, err = store.Append(ctx, stale)
	require.ErrorIs(t, err, ErrConflict)

	_, err = store.Append(ctx, acceptInput("missing", 1))
	require.ErrorIs(t, err, ErrNotFound)

	history, err := store.History(ctx, "req-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestSQLiteMessagesAndReceipts(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, acceptInput("req-1", 1))
	require.NoError(t, err)
	_, err = store.Append(ctx, chatInput("req-1", "msg-a", "is bay 2 free?", customer, tech.ID, domain.StatusScheduled, 2))
	require.NoError(t, err)
	_, err = store.Append(ctx, chatInput("req-1", "msg-b", "yes", tech, customer.ID, domain.StatusScheduled, 3))
	require.NoError(t, err)

	at := visit.Add(time.Minute)
	require.NoError(t, store.MarkDelivered(ctx, "req-1", "msg-a", tech.ID, at))
	require.NoError(t, store.MarkDelivered(ctx, "req-1", "msg-a", tech.ID, at.Add(time.Hour)))
	require.NoError(t, store.MarkDelivered(ctx, "req-1", "msg-a", "staff-1", at))
	require.ErrorIs(t, store.MarkDelivered(ctx, "req-1", "msg-zz", tech.ID, at), ErrNotFound)

	messages, err := store.Messages(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "msg-a", messages[0].ID)
	require.Equal(t, "msg-b", messages[1].ID)
	require.Less(t, messages[0].Sequence, messages[1].Sequence)
	require.Len(t, messages[0].Delivered, 2)
	require.True(t, messages[0].Delivered[tech.ID].Equal(at))
	require.Empty(t, messages[1].Delivered)
}

func TestSQLiteRebuildRestoresDriftedRow(t *testing.T) {
	store, db := newSQLiteStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, acceptInput("req-1", 1))
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE as_requests SET snapshot=?, status=? WHERE id=?`,
		`{"id":"req-1","status":"cancelled","sequence":2}`, "cancelled", "req-1")
	require.NoError(t, err)

	rebuilt, err := store.Rebuild(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, rebuilt.Status)

	loaded, err := store.LoadRequest(ctx, "req-1")
	require.NoError(t, err)
	requireSameSnapshot(t, rebuilt, loaded)

	_, err = store.Rebuild(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteListAndStats(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		_, err := store.Append(ctx, createInput(id))
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, acceptInput("req-2", 1))
	require.NoError(t, err)
	_, err = store.Append(ctx, AppendInput{
		RequestID:        "req-2",
		Kind:             domain.EventRequestResolved,
		Status:           domain.StatusResolved,
		Payload:          domain.RequestResolvedPayload{Note: "cleaned"},
		Actor:            tech,
		ExpectedSequence: 2,
	})
	require.NoError(t, err)

	pending, err := store.ListRequests(ctx, RequestFilter{Status: domain.StatusPendingSchedule})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	mine, err := store.ListRequests(ctx, RequestFilter{TechnicianID: tech.ID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "req-2", mine[0].ID)

	stats, err := store.Stats(ctx, time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 2, stats.ByStatus[domain.StatusPendingSchedule])
	require.Equal(t, 1, stats.ByStatus[domain.StatusResolved])
	require.Equal(t, 3, stats.CreatedToday)
	// req-2 was created at 09:02 and resolved at 09:05 on the test clock.
	require.InDelta(t, 3.0, stats.AvgResolutionMinutes, 0.001)
}
