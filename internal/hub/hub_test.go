package hub

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/config"
	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/events"
	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/observability"
	"github.com/spec-kit/as-dispatch/internal/persistence"
	"github.com/spec-kit/as-dispatch/internal/registry"
	apperrors "github.com/spec-kit/as-dispatch/pkg/util"
)

var (
	customer = domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	techA    = domain.Actor{ID: "tech-a", Role: domain.RoleTechnician}
	techB    = domain.Actor{ID: "tech-b", Role: domain.RoleTechnician}
	staff    = domain.Actor{ID: "staff-1", Role: domain.RoleStaff}
	visit    = time.Date(2025, 11, 24, 10, 0, 0, 0, time.UTC)
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []any
}

func (f *fakeTransport) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeTransport) Ping() error  { return nil }
func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) notifications() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Notification
	for _, frame := range f.frames {
		if n, ok := frame.(Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

func (f *fakeTransport) feed() []FeedItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FeedItem
	for _, frame := range f.frames {
		if item, ok := frame.(FeedItem); ok {
			out = append(out, item)
		}
	}
	return out
}

type fixture struct {
	hub      *Hub
	store    *eventstore.SQLiteStore
	db       *sql.DB
	registry *registry.Registry
	metrics  *observability.Metrics
	audit    *auditLog
}

type auditLog struct {
	mu      sync.Mutex
	records []events.AuditRecord
}

func (a *auditLog) Write(_ context.Context, r events.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
	return nil
}

func (a *auditLog) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := persistence.OpenSQLite(ctx, config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "hub.db")}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, persistence.RunSQLiteMigrations(ctx, db, zap.NewNop()))
	t.Cleanup(func() { _ = db.Close() })

	store := eventstore.NewSQLiteStore(db)
	metrics := observability.NewMetrics()
	reg := registry.New(registry.Options{Membership: Membership(store)}, zap.NewNop(), metrics)
	t.Cleanup(reg.Close)

	audit := &auditLog{}
	dispatcher := events.NewInMemoryDispatcher(zap.NewNop())
	dispatcher.SubscribeAll(events.AuditSubscriber(audit))

	clock := time.Date(2025, 11, 20, 8, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	store.Now = now

	h := New(store, reg, dispatcher, zap.NewNop(), metrics, Options{TechnicianFeed: true, Now: now})
	return &fixture{hub: h, store: store, db: db, registry: reg, metrics: metrics, audit: audit}
}

func (f *fixture) connect(t *testing.T, actor domain.Actor) (*registry.Conn, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	return f.registry.Register(actor, ft), ft
}

func mustCommand(t *testing.T, typ domain.CommandType, requestID string, actor domain.Actor, payload any) domain.Command {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	cmd, err := domain.DecodeCommand(domain.Envelope{Type: typ, RequestID: requestID, Payload: raw}, actor, "10.0.0.7")
	require.NoError(t, err)
	return cmd
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	res, err := f.hub.Handle(context.Background(), mustCommand(t, domain.CommandCreate, "", customer, map[string]any{
		"bay_id":       "B3",
		"equipment_id": "E7",
		"problem":      "nozzle clogged",
	}))
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingSchedule, res.Request.Status)
	return res.RequestID
}

func (f *fixture) accept(t *testing.T, id string, tech domain.Actor) (Result, error) {
	t.Helper()
	return f.hub.Handle(context.Background(), mustCommand(t, domain.CommandAccept, id, tech, map[string]any{
		"scheduled_at": "2025-11-24T10:00",
	}))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestEndToEndLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.create(t)
	custConn, custFrames := f.connect(t, customer)
	_, err := f.hub.Subscribe(ctx, custConn, id, 0)
	require.NoError(t, err)

	res, err := f.accept(t, id, techA)
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, res.Request.Status)
	require.Equal(t, techA.ID, res.Request.Assignee())
	require.True(t, res.Request.Schedule.Equal(visit))

	res, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandReschedule, id, customer, map[string]any{
		"proposed_at": "2025-11-25T10:00",
		"reason":      "conflict",
	}))
	require.NoError(t, err)
	require.Equal(t, domain.StatusRescheduled, res.Request.Status)

	res, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandResolve, id, techA, nil))
	require.NoError(t, err)
	require.Equal(t, domain.StatusResolved, res.Request.Status)

	history, err := f.store.History(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	kinds := make([]domain.EventKind, 0, len(history))
	for i, evt := range history {
		require.EqualValues(t, i+1, evt.Sequence)
		require.Equal(t, "10.0.0.7", evt.ActorIP)
		kinds = append(kinds, evt.Kind)
	}
	require.Equal(t, []domain.EventKind{
		domain.EventRequestCreated,
		domain.EventRequestAccepted,
		domain.EventRescheduleProposed,
		domain.EventRequestResolved,
	}, kinds)

	folded, err := domain.Fold(history)
	require.NoError(t, err)
	materialized, err := f.store.LoadRequest(ctx, id)
	require.NoError(t, err)
	want, _ := json.Marshal(folded)
	got, _ := json.Marshal(materialized)
	require.JSONEq(t, string(want), string(got))

	eventually(t, func() bool { return len(custFrames.notifications()) == 4 })
	for i, n := range custFrames.notifications() {
		require.EqualValues(t, i+1, n.Sequence)
		require.Equal(t, id, n.RequestID)
	}
	eventually(t, func() bool { return f.audit.len() == 4 })
}

func TestConcurrentAcceptHasOneWinner(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tech := range []domain.Actor{techA, techB} {
		wg.Add(1)
		go func(i int, tech domain.Actor) {
			defer wg.Done()
			_, errs[i] = f.accept(t, id, tech)
		}(i, tech)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperrors.HasCode(err, apperrors.CodeConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, conflicts)
	require.EqualValues(t, 1, f.metrics.Snapshot().Conflicts)

	req, err := f.store.LoadRequest(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, req.Status)
	require.NotNil(t, req.AssignedTechnicianID)
	require.EqualValues(t, 2, req.Sequence)
}

func TestConcurrentAcceptAcrossHubs(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	other := New(f.store, f.registry, nil, zap.NewNop(), f.metrics, Options{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.accept(t, id, techA)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = other.Handle(context.Background(), mustCommand(t, domain.CommandAccept, id, techB, map[string]any{
			"scheduled_at": "2025-11-24T11:00",
		}))
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.True(t, apperrors.HasCode(err, apperrors.CodeConflict), "got %v", err)
			failures++
		}
	}
	require.Equal(t, 1, failures)
	require.EqualValues(t, 1, f.metrics.Snapshot().Conflicts)

	history, err := f.store.History(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestTechnicianCannotConfirmOwnReschedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	_, err := f.accept(t, id, techA)
	require.NoError(t, err)

	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandReschedule, id, techA, map[string]any{
		"proposed_at": "2025-11-26T09:00",
		"reason":      "parts delayed",
	}))
	require.NoError(t, err)

	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandAccept, id, techA, nil))
	require.True(t, apperrors.HasCode(err, apperrors.CodeIllegalTransition), "got %v", err)

	req, err := f.store.LoadRequest(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRescheduled, req.Status)
	require.True(t, req.Schedule.Equal(visit))
	require.EqualValues(t, 3, req.Sequence)

	res, err := f.hub.Handle(ctx, mustCommand(t, domain.CommandAcceptSchedule, id, customer, nil))
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, res.Request.Status)
}

func TestCustomerCannotAccept(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	_, err := f.accept(t, id, customer)
	require.True(t, apperrors.HasCode(err, apperrors.CodeForbidden))

	req, err := f.store.LoadRequest(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPendingSchedule, req.Status)
	require.EqualValues(t, 1, req.Sequence)
	require.EqualValues(t, 1, f.metrics.Snapshot().Denials["accept"])
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	_, err := f.accept(t, id, techA)
	require.NoError(t, err)

	conn, frames := f.connect(t, customer)
	_, err = f.hub.Subscribe(ctx, conn, id, 2)
	require.NoError(t, err)

	first, err := f.hub.Handle(ctx, mustCommand(t, domain.CommandResolve, id, techA, nil))
	require.NoError(t, err)
	require.False(t, first.NoOp)

	again, err := f.hub.Handle(ctx, mustCommand(t, domain.CommandResolve, id, techA, nil))
	require.NoError(t, err)
	require.True(t, again.NoOp)
	require.Nil(t, again.Event)
	require.Equal(t, domain.StatusResolved, again.Request.Status)

	history, err := f.store.History(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)

	eventually(t, func() bool { return len(frames.notifications()) == 1 })
	time.Sleep(20 * time.Millisecond)
	require.Len(t, frames.notifications(), 1)

	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandStart, id, techA, nil))
	require.True(t, apperrors.HasCode(err, apperrors.CodeIllegalTransition))
}

func TestChatOrderingAndAudience(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	_, err := f.accept(t, id, techA)
	require.NoError(t, err)

	custConn, custFrames := f.connect(t, customer)
	techConn, techFrames := f.connect(t, techA)
	staffConn, staffFrames := f.connect(t, staff)
	for _, c := range []*registry.Conn{custConn, techConn, staffConn} {
		_, err := f.hub.Subscribe(ctx, c, id, 2)
		require.NoError(t, err)
	}

	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandChatSend, id, customer, map[string]any{"body": "A"}))
	require.NoError(t, err)
	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandChatSend, id, techA, map[string]any{"body": "B"}))
	require.NoError(t, err)

	for _, ft := range []*fakeTransport{custFrames, techFrames, staffFrames} {
		ft := ft
		eventually(t, func() bool { return len(ft.notifications()) == 2 })
		var bodies []string
		for _, n := range ft.notifications() {
			var p domain.ChatMessageSentPayload
			require.NoError(t, json.Unmarshal(n.Payload, &p))
			require.NotEmpty(t, p.MessageID)
			bodies = append(bodies, p.Body)
		}
		require.Equal(t, []string{"A", "B"}, bodies)
	}

	msgs, err := f.hub.Messages(ctx, customer, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, techA.ID, msgs[0].RecipientID)
	require.Equal(t, customer.ID, msgs[1].RecipientID)

	_, err = f.hub.Messages(ctx, techB, id)
	require.True(t, apperrors.HasCode(err, apperrors.CodeForbidden))

	require.NoError(t, f.hub.Acknowledge(ctx, techA, id, msgs[0].ID))
	err = f.hub.Acknowledge(ctx, techA, id, "missing")
	require.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	msgs, err = f.hub.Messages(ctx, customer, id)
	require.NoError(t, err)
	require.Contains(t, msgs[0].Delivered, techA.ID)
}

func TestSubscribeReplaysAfterSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	_, err := f.accept(t, id, techA)
	require.NoError(t, err)
	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandStart, id, techA, nil))
	require.NoError(t, err)

	conn, frames := f.connect(t, customer)
	replayed, err := f.hub.Subscribe(ctx, conn, id, 1)
	require.NoError(t, err)
	require.Equal(t, 2, replayed)

	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandResolve, id, techA, nil))
	require.NoError(t, err)

	eventually(t, func() bool { return len(frames.notifications()) == 3 })
	var seqs []int64
	for _, n := range frames.notifications() {
		seqs = append(seqs, n.Sequence)
	}
	require.Equal(t, []int64{2, 3, 4}, seqs)
}

func TestSubscribeRejectsStrangers(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)

	conn, _ := f.connect(t, domain.Actor{ID: "cust-9", Role: domain.RoleCustomer})
	_, err := f.hub.Subscribe(context.Background(), conn, id, 0)
	require.True(t, apperrors.HasCode(err, apperrors.CodeForbidden))
	require.Empty(t, f.registry.Subscribers(id))

	_, err = f.hub.Subscribe(context.Background(), conn, "no-such-request", 0)
	require.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestMultiDeviceDeliveryOncePerConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	phone, phoneFrames := f.connect(t, customer)
	laptop, laptopFrames := f.connect(t, customer)
	for _, c := range []*registry.Conn{phone, laptop} {
		_, err := f.hub.Subscribe(ctx, c, id, 1)
		require.NoError(t, err)
	}

	_, err := f.accept(t, id, techA)
	require.NoError(t, err)
	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandChatSend, id, techA, map[string]any{"body": "on my way"}))
	require.NoError(t, err)

	for _, ft := range []*fakeTransport{phoneFrames, laptopFrames} {
		ft := ft
		eventually(t, func() bool { return len(ft.notifications()) == 2 })
		time.Sleep(20 * time.Millisecond)
		require.Len(t, ft.notifications(), 2)
	}
}

func TestTechnicianFeed(t *testing.T) {
	f := newFixture(t)
	_, feedA := f.connect(t, techA)
	_, feedB := f.connect(t, techB)
	_, custFrames := f.connect(t, customer)

	res, err := f.hub.Handle(context.Background(), mustCommand(t, domain.CommandCreate, "", customer, map[string]any{
		"bay_id":       "B1",
		"equipment_id": "dryer",
		"problem":      "fan noise",
		"priority":     "urgent",
	}))
	require.NoError(t, err)
	_, err = f.accept(t, res.RequestID, techA)
	require.NoError(t, err)

	eventually(t, func() bool { return len(feedB.feed()) == 2 })
	items := feedB.feed()
	require.Equal(t, FrameRequestCreated, items[0].Type)
	require.True(t, items[0].Urgent)
	require.Equal(t, FrameRequestAssigned, items[1].Type)
	require.Equal(t, techA.ID, items[1].TechnicianID)
	eventually(t, func() bool { return len(feedA.feed()) == 2 })
	require.Empty(t, custFrames.feed())
}

func TestLostAcceptDoesNotReachOtherTechnician(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	connB, framesB := f.connect(t, techB)
	_, err := f.hub.Subscribe(ctx, connB, id, 1)
	require.NoError(t, err)

	_, err = f.accept(t, id, techA)
	require.NoError(t, err)
	_, err = f.hub.Handle(ctx, mustCommand(t, domain.CommandChatSend, id, customer, map[string]any{"body": "gate code 1234"}))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, framesB.notifications())
}

func TestStoreFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	require.NoError(t, f.db.Close())

	_, err := f.accept(t, id, techA)
	require.True(t, apperrors.HasCode(err, apperrors.CodeStoreFailure), "got %v", err)
	_, err = f.hub.Handle(context.Background(), mustCommand(t, domain.CommandCreate, "", customer, map[string]any{
		"bay_id": "B1", "equipment_id": "E1", "problem": "leak",
	}))
	require.True(t, apperrors.HasCode(err, apperrors.CodeStoreFailure), "got %v", err)
}

func TestListScopesByRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.create(t)
	second := f.create(t)
	_, err := f.accept(t, first, techA)
	require.NoError(t, err)

	mine, err := f.hub.List(ctx, techA, eventstore.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, first, mine[0].ID)

	pool, err := f.hub.List(ctx, techB, eventstore.RequestFilter{Unassigned: true})
	require.NoError(t, err)
	require.Len(t, pool, 1)
	require.Equal(t, second, pool[0].ID)

	stranger, err := f.hub.List(ctx, domain.Actor{ID: "cust-9", Role: domain.RoleCustomer}, eventstore.RequestFilter{})
	require.NoError(t, err)
	require.Empty(t, stranger)

	_, err = f.hub.Stats(ctx, customer)
	require.True(t, apperrors.HasCode(err, apperrors.CodeForbidden))
	stats, err := f.hub.Stats(ctx, staff)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		k.Lock("a")()
	}()
	k.Lock("b")()
	unlock()
	<-done
	require.Equal(t, 0, k.size())
}
