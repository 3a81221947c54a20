package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

var (
	customer = Actor{ID: "cust-1", Role: RoleCustomer}
	tech     = Actor{ID: "tech-a", Role: RoleTechnician}
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		actor   Actor
		errCode string
		check   func(t *testing.T, cmd Command)
	}{
		{
			name: "create defaults priority and trims fields",
			env: Envelope{Type: CommandCreate, Payload: json.RawMessage(
				`{"bay_id":" bay-3 ","equipment_id":"pump-1","problem":" leaking "}`)},
			actor: customer,
			check: func(t *testing.T, cmd Command) {
				p := cmd.Payload.(CreatePayload)
				require.Equal(t, "bay-3", p.BayID)
				require.Equal(t, "leaking", p.Problem)
				require.Equal(t, PriorityNormal, p.Priority)
				require.Equal(t, "10.0.0.1", cmd.ActorIP)
			},
		},
		{
			name: "create rejects unknown priority",
			env: Envelope{Type: CommandCreate, Payload: json.RawMessage(
				`{"bay_id":"bay-3","equipment_id":"pump-1","problem":"leak","priority":"asap"}`)},
			actor:   customer,
			errCode: apperrors.CodeValidation,
		},
		{
			name: "create with request id",
			env: Envelope{Type: CommandCreate, RequestID: "req-1", Payload: json.RawMessage(
				`{"bay_id":"bay-3","equipment_id":"pump-1","problem":"leak"}`)},
			actor:   customer,
			errCode: apperrors.CodeValidation,
		},
		{
			name:  "accept without time",
			env:   Envelope{Type: CommandAccept, RequestID: " req-1 "},
			actor: tech,
			check: func(t *testing.T, cmd Command) {
				require.Equal(t, "req-1", cmd.RequestID)
				require.Nil(t, cmd.Payload.(AcceptPayload).ScheduledAt)
			},
		},
		{
			name:  "accept with wall-clock time",
			env:   Envelope{Type: CommandAccept, RequestID: "req-1", Payload: json.RawMessage(`{"scheduled_at":"2025-11-25 14:00"}`)},
			actor: tech,
			check: func(t *testing.T, cmd Command) {
				at := cmd.Payload.(AcceptPayload).ScheduledAt
				require.NotNil(t, at)
				require.True(t, at.Equal(time.Date(2025, 11, 25, 14, 0, 0, 0, time.UTC)))
			},
		},
		{
			name:    "accept with unparseable time",
			env:     Envelope{Type: CommandAccept, RequestID: "req-1", Payload: json.RawMessage(`{"scheduled_at":"next tuesday"}`)},
			actor:   tech,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "accept with wrongly typed time",
			env:     Envelope{Type: CommandAccept, RequestID: "req-1", Payload: json.RawMessage(`{"scheduled_at":42}`)},
			actor:   tech,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "reschedule without time",
			env:     Envelope{Type: CommandReschedule, RequestID: "req-1", Payload: json.RawMessage(`{"reason":"parts late"}`)},
			actor:   tech,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "reschedule without reason",
			env:     Envelope{Type: CommandReschedule, RequestID: "req-1", Payload: json.RawMessage(`{"proposed_at":"2025-11-26T09:00"}`)},
			actor:   tech,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "actor id naming someone else",
			env:     Envelope{Type: CommandStart, RequestID: "req-1", ActorID: "tech-b"},
			actor:   tech,
			errCode: apperrors.CodeForbidden,
		},
		{
			name:  "actor id naming the caller",
			env:   Envelope{Type: CommandStart, RequestID: "req-1", ActorID: tech.ID},
			actor: tech,
		},
		{
			name:    "missing request id",
			env:     Envelope{Type: CommandResolve},
			actor:   tech,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "unknown type",
			env:     Envelope{Type: "teleport", RequestID: "req-1"},
			actor:   tech,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "malformed payload",
			env:     Envelope{Type: CommandCancel, RequestID: "req-1", Payload: json.RawMessage(`{"reason":`)},
			actor:   customer,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "blank chat body",
			env:     Envelope{Type: CommandChatSend, RequestID: "req-1", Payload: json.RawMessage(`{"body":"   "}`)},
			actor:   customer,
			errCode: apperrors.CodeValidation,
		},
		{
			name: "oversized chat body",
			env: Envelope{Type: CommandChatSend, RequestID: "req-1", Payload: json.RawMessage(
				`{"body":"` + strings.Repeat("a", maxChatBodyLength+1) + `"}`)},
			actor:   customer,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "negative attachment size",
			env:     Envelope{Type: CommandAttachmentAdd, RequestID: "req-1", Payload: json.RawMessage(`{"filename":"a.jpg","size":-1}`)},
			actor:   customer,
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "anonymous actor",
			env:     Envelope{Type: CommandStart, RequestID: "req-1"},
			actor:   Actor{Role: RoleTechnician},
			errCode: apperrors.CodeValidation,
		},
		{
			name:    "unknown role",
			env:     Envelope{Type: CommandStart, RequestID: "req-1"},
			actor:   Actor{ID: "x", Role: "admin"},
			errCode: apperrors.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeCommand(tt.env, tt.actor, "10.0.0.1")
			if tt.errCode != "" {
				require.Error(t, err)
				require.True(t, apperrors.HasCode(err, tt.errCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.env.Type, cmd.Type)
			require.Equal(t, tt.actor, cmd.Actor)
			if tt.check != nil {
				tt.check(t, cmd)
			}
		})
	}
}

func TestValidateRejectsMismatchedPayload(t *testing.T) {
	cmd := Command{Type: CommandStart, RequestID: "req-1", Actor: tech, Payload: ResolvePayload{}}
	require.True(t, apperrors.HasCode(cmd.Validate(), apperrors.CodeValidation))

	cmd.Payload = nil
	require.True(t, apperrors.HasCode(cmd.Validate(), apperrors.CodeValidation))
}

func TestParseVisitTime(t *testing.T) {
	want := time.Date(2025, 11, 25, 14, 0, 0, 0, time.UTC)
	for _, value := range []string{
		"2025-11-25T14:00:00Z",
		"2025-11-25T23:00:00+09:00",
		"2025-11-25T14:00:00",
		"2025-11-25T14:00",
		" 2025-11-25 14:00 ",
	} {
		got, err := ParseVisitTime(value)
		require.NoError(t, err, value)
		require.True(t, got.Equal(want), value)
		require.Equal(t, time.UTC, got.Location(), value)
	}

	_, err := ParseVisitTime("25/11/2025")
	require.Error(t, err)
}
