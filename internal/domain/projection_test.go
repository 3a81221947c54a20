package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func event(t *testing.T, seq int64, kind EventKind, status RequestStatus, actor Actor, payload any) Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{
		Sequence:  seq,
		RequestID: "req-1",
		Kind:      kind,
		Status:    status,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Payload:   raw,
		Timestamp: t0.Add(time.Duration(seq) * time.Minute),
	}
}

func created(t *testing.T) Event {
	return event(t, 1, EventRequestCreated, StatusCreated, customer, RequestCreatedPayload{
		CustomerID: customer.ID, BayID: "bay-3", EquipmentID: "pump-1", Problem: "leak", Priority: PriorityUrgent,
	})
}

func TestFoldLifecycle(t *testing.T) {
	visit := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	moved := time.Date(2026, 5, 3, 15, 0, 0, 0, time.UTC)

	req, err := Fold([]Event{
		created(t),
		event(t, 2, EventRequestAccepted, StatusScheduled, tech, RequestAcceptedPayload{TechnicianID: tech.ID, ScheduledAt: visit}),
		event(t, 3, EventRescheduleProposed, StatusRescheduled, tech, RescheduleProposedPayload{
			ProposedAt: moved, Reason: "parts late", ProposedBy: tech.ID, ProposedByRole: RoleTechnician,
		}),
	})
	require.NoError(t, err)
	require.Equal(t, StatusRescheduled, req.Status)
	require.Equal(t, PriorityUrgent, req.Priority)
	require.True(t, req.IsAssignedTo(tech.ID))
	require.True(t, req.Schedule.Equal(visit))
	require.NotNil(t, req.Proposal)
	require.True(t, req.Proposal.ProposedAt.Equal(moved))
	require.EqualValues(t, 3, req.Sequence)
	require.True(t, req.CreatedAt.Equal(t0.Add(time.Minute)))
	require.True(t, req.UpdatedAt.Equal(t0.Add(3*time.Minute)))

	require.NoError(t, req.Apply(event(t, 4, EventScheduleAccepted, StatusScheduled, customer, ScheduleAcceptedPayload{ScheduledAt: moved})))
	require.Nil(t, req.Proposal)
	require.True(t, req.Schedule.Equal(moved))

	require.NoError(t, req.Apply(event(t, 5, EventAttachmentAdded, StatusScheduled, customer, AttachmentAddedPayload{Filename: "leak.jpg", Size: 12})))
	require.Len(t, req.Attachments, 1)
	require.Equal(t, customer.ID, req.Attachments[0].UploadedBy)

	require.NoError(t, req.Apply(event(t, 6, EventWorkStarted, StatusInProgress, tech, WorkStartedPayload{})))
	require.NoError(t, req.Apply(event(t, 7, EventRequestResolved, StatusResolved, tech, RequestResolvedPayload{Note: "seal replaced"})))
	require.Equal(t, StatusResolved, req.Status)
	require.NotNil(t, req.ResolvedAt)
	require.True(t, req.ResolvedAt.Equal(t0.Add(7*time.Minute)))
}

func TestRejectClearsAssignment(t *testing.T) {
	req, err := Fold([]Event{
		created(t),
		event(t, 2, EventRequestAccepted, StatusScheduled, tech, RequestAcceptedPayload{TechnicianID: tech.ID, ScheduledAt: t0}),
		event(t, 3, EventRequestRejected, StatusRejected, tech, RequestRejectedPayload{TechnicianID: tech.ID}),
	})
	require.NoError(t, err)
	require.Nil(t, req.AssignedTechnicianID)
	require.Nil(t, req.Schedule)
	require.Equal(t, StatusRejected, req.Status)
}

func TestApplyRejectsOutOfOrderEvents(t *testing.T) {
	req, err := Fold([]Event{created(t)})
	require.NoError(t, err)

	err = req.Apply(event(t, 3, EventWorkStarted, StatusInProgress, tech, WorkStartedPayload{}))
	require.ErrorIs(t, err, ErrSequenceGap)
	err = req.Apply(created(t))
	require.ErrorIs(t, err, ErrSequenceGap)
	require.EqualValues(t, 1, req.Sequence)

	foreign := event(t, 2, EventWorkStarted, StatusInProgress, tech, WorkStartedPayload{})
	foreign.RequestID = "req-2"
	require.Error(t, req.Apply(foreign))
	require.Equal(t, StatusCreated, req.Status)
}

func TestApplyRejectsBadEvents(t *testing.T) {
	req, err := Fold([]Event{created(t)})
	require.NoError(t, err)

	unknown := event(t, 2, "request_teleported", StatusCreated, tech, struct{}{})
	require.Error(t, req.Apply(unknown))

	garbled := event(t, 2, EventRequestAccepted, StatusScheduled, tech, nil)
	garbled.Payload = json.RawMessage(`{"scheduled_at":"soon"}`)
	require.Error(t, req.Apply(garbled))
	require.EqualValues(t, 1, req.Sequence)
	require.Nil(t, req.AssignedTechnicianID)

	_, err = Fold(nil)
	require.Error(t, err)
}
