// Package hub routes commands: it authorizes them, runs the state machine,
// appends the resulting event and fans the committed event out to every
// connected party. Work on one request is serialized; different requests
// proceed in parallel.
package hub

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/events"
	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/lifecycle"
	"github.com/spec-kit/as-dispatch/internal/observability"
	"github.com/spec-kit/as-dispatch/internal/registry"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

// Options tunes the hub.
type Options struct {
	// TechnicianFeed pushes new and taken requests to every technician connection.
	TechnicianFeed bool
	Now            func() time.Time
}

// Result is the outcome of a handled command. Event is nil for an idempotent
// re-delivery.
type Result struct {
	RequestID string
	Event     *domain.Event
	Request   *domain.AsRequest
	NoOp      bool
}

// Hub is the single entry point for commands.
type Hub struct {
	store      eventstore.Store
	registry   *registry.Registry
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
	locks      *keyedMutex
	opts       Options
}

// New wires a hub. dispatcher may be nil.
func New(store eventstore.Store, reg *registry.Registry, dispatcher events.Dispatcher, logger *zap.Logger, metrics *observability.Metrics, opts Options) *Hub {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		store:      store,
		registry:   reg,
		dispatcher: dispatcher,
		logger:     logger.Named("hub"),
		metrics:    metrics,
		locks:      newKeyedMutex(),
		opts:       opts,
	}
}

// Membership is the registry's subscribe check: actor must be a party to the
// request as currently materialized.
func Membership(store eventstore.Store) registry.Membership {
	return func(ctx context.Context, actor domain.Actor, requestID string) error {
		req, err := loadRequest(ctx, store, requestID)
		if err != nil {
			return err
		}
		return lifecycle.AuthorizeView(req, actor)
	}
}

// Handle runs one command to completion. Rejected commands return an error
// and leave no trace besides logs.
func (h *Hub) Handle(ctx context.Context, cmd domain.Command) (Result, error) {
	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	if cmd.Type == domain.CommandCreate {
		cmd.RequestID = uuid.NewString()
	}

	unlock := h.locks.Lock(cmd.RequestID)
	defer unlock()

	for attempt := 0; ; attempt++ {
		res, err := h.handleOnce(ctx, cmd)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, eventstore.ErrConflict) {
			if attempt == 0 {
				h.logger.Info("append conflict, retrying against fresh state",
					zap.String("request_id", cmd.RequestID),
					zap.String("command", string(cmd.Type)),
				)
				continue
			}
			err = apperrors.NewConflict("request changed concurrently", map[string]any{"request_id": cmd.RequestID})
		}
		return Result{}, h.fail(cmd, err)
	}
}

// Check runs cmd against the current state without committing anything, so
// callers can reject a command before doing side work for it.
func (h *Hub) Check(ctx context.Context, cmd domain.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	current, err := loadRequest(ctx, h.store, cmd.RequestID)
	if err != nil {
		return err
	}
	if _, err := lifecycle.Decide(current, cmd, h.opts.Now()); err != nil {
		return h.fail(cmd, err)
	}
	return nil
}

func (h *Hub) handleOnce(ctx context.Context, cmd domain.Command) (Result, error) {
	var current *domain.AsRequest
	if cmd.Type != domain.CommandCreate {
		req, err := h.store.LoadRequest(ctx, cmd.RequestID)
		switch {
		case errors.Is(err, eventstore.ErrNotFound):
		case err != nil:
			return Result{}, err
		default:
			current = req
		}
	}

	decision, err := lifecycle.Decide(current, cmd, h.opts.Now())
	if err != nil {
		return Result{}, err
	}
	if decision.NoOp {
		return Result{RequestID: cmd.RequestID, Request: current, NoOp: true}, nil
	}

	in := eventstore.AppendInput{
		RequestID: cmd.RequestID,
		Kind:      decision.Kind,
		Status:    decision.Status,
		Payload:   decision.Payload,
		Actor:     cmd.Actor,
		ActorIP:   cmd.ActorIP,
	}
	if current != nil {
		in.ExpectedStatus = current.Status
		in.ExpectedSequence = current.Sequence
	}
	if p, ok := decision.Payload.(domain.ChatMessageSentPayload); ok {
		p.MessageID = uuid.NewString()
		in.Payload = p
	}

	appended, err := h.store.Append(ctx, in)
	if err != nil {
		return Result{}, err
	}

	h.metrics.RecordEvent(string(appended.Event.Kind))
	h.deliver(appended)
	if h.dispatcher != nil {
		_ = h.dispatcher.Publish(ctx, appended.Event)
	}

	evt := appended.Event
	return Result{RequestID: cmd.RequestID, Event: &evt, Request: appended.Request}, nil
}

// deliver runs under the request lock so enqueue order matches sequence order.
func (h *Hub) deliver(a eventstore.Appended) {
	evt, req := a.Event, a.Request
	audience := lifecycle.IsParty
	if evt.Kind == domain.EventChatMessageSent {
		audience = lifecycle.IsChatParticipant
	}
	h.registry.Broadcast(evt.RequestID, NewNotification(evt), func(c *registry.Conn) bool {
		return audience(req, c.Actor)
	})

	if !h.opts.TechnicianFeed {
		return
	}
	switch evt.Kind {
	case domain.EventRequestCreated:
		h.registry.BroadcastToRole(domain.RoleTechnician, newFeedItem(FrameRequestCreated, req, evt.Timestamp))
	case domain.EventRequestAccepted:
		h.registry.BroadcastToRole(domain.RoleTechnician, newFeedItem(FrameRequestAssigned, req, evt.Timestamp))
	}
}

// Subscribe attaches conn to requestID and replays every event after
// afterSeq. Replay and attach happen under the request lock, so the client
// sees neither gaps nor duplicates between replayed and live events.
func (h *Hub) Subscribe(ctx context.Context, conn *registry.Conn, requestID string, afterSeq int64) (int, error) {
	unlock := h.locks.Lock(requestID)
	defer unlock()

	if err := h.registry.Subscribe(ctx, conn, requestID); err != nil {
		if errors.Is(err, registry.ErrClosed) {
			return 0, err
		}
		return 0, h.fail(domain.Command{Type: "subscribe", RequestID: requestID, Actor: conn.Actor}, err)
	}

	req, err := loadRequest(ctx, h.store, requestID)
	if err != nil {
		h.registry.Unsubscribe(conn, requestID)
		return 0, err
	}
	history, err := h.store.History(ctx, requestID, afterSeq)
	if err != nil {
		h.registry.Unsubscribe(conn, requestID)
		return 0, h.fail(domain.Command{Type: "subscribe", RequestID: requestID, Actor: conn.Actor}, err)
	}

	chat := lifecycle.IsChatParticipant(req, conn.Actor)
	replayed := 0
	for _, evt := range history {
		if evt.Kind == domain.EventChatMessageSent && !chat {
			continue
		}
		if h.registry.Send(conn, NewNotification(evt)) {
			replayed++
		}
	}
	return replayed, nil
}

// Acknowledge records that actor's device received a chat message.
func (h *Hub) Acknowledge(ctx context.Context, actor domain.Actor, requestID, messageID string) error {
	if requestID == "" || messageID == "" {
		return apperrors.NewValidationError("request_id and message_id required", nil)
	}
	req, err := loadRequest(ctx, h.store, requestID)
	if err != nil {
		return err
	}
	if !lifecycle.IsChatParticipant(req, actor) {
		return h.fail(domain.Command{Type: "ack", RequestID: requestID, Actor: actor},
			apperrors.NewForbidden("actor is not a participant of this chat"))
	}
	err = h.store.MarkDelivered(ctx, requestID, messageID, actor.ID, h.opts.Now())
	if errors.Is(err, eventstore.ErrNotFound) {
		return apperrors.NewNotFound("chat message", map[string]any{"message_id": messageID})
	}
	if err != nil {
		return h.fail(domain.Command{Type: "ack", RequestID: requestID, Actor: actor}, err)
	}
	return nil
}

// fail maps store sentinels to domain errors and logs by taxonomy.
func (h *Hub) fail(cmd domain.Command, err error) error {
	fields := []zap.Field{
		zap.String("request_id", cmd.RequestID),
		zap.String("command", string(cmd.Type)),
		zap.String("actor_id", cmd.Actor.ID),
		zap.String("role", string(cmd.Actor.Role)),
	}
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		return apperrors.NewNotFound("as request", map[string]any{"request_id": cmd.RequestID})
	case apperrors.HasCode(err, apperrors.CodeForbidden):
		h.metrics.RecordDenial(string(cmd.Type))
		h.logger.Warn("command denied", append(fields, zap.String("ip", cmd.ActorIP), zap.Error(err))...)
		return err
	case apperrors.HasCode(err, apperrors.CodeConflict):
		h.metrics.RecordConflict()
		h.logger.Info("command conflict", append(fields, zap.Error(err))...)
		return err
	}
	var de *apperrors.DomainError
	if errors.As(err, &de) {
		return err
	}
	h.logger.Error("event store failure", append(fields, zap.Error(err))...)
	return apperrors.NewStoreFailure(err)
}

func loadRequest(ctx context.Context, store eventstore.Store, id string) (*domain.AsRequest, error) {
	req, err := store.LoadRequest(ctx, id)
	if errors.Is(err, eventstore.ErrNotFound) {
		return nil, apperrors.NewNotFound("as request", map[string]any{"request_id": id})
	}
	if err != nil {
		return nil, apperrors.NewStoreFailure(err)
	}
	return req, nil
}
