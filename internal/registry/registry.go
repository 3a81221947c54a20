// Package registry tracks live connections, who they belong to and which
// requests they watch. Delivery is asynchronous: each connection owns a
// bounded outbox drained by its own writer goroutine.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/observability"
)

// Membership decides whether actor may subscribe to requestID.
type Membership func(ctx context.Context, actor domain.Actor, requestID string) error

// Filter selects which subscribed connections receive a broadcast.
type Filter func(c *Conn) bool

// Options tunes the registry.
type Options struct {
	OutboxSize   int
	PingInterval time.Duration
	Membership   Membership
}

// Registry owns every live Conn.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	byActor   map[string]map[string]*Conn
	byRequest map[string]map[string]*Conn

	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New builds an empty registry.
func New(opts Options, logger *zap.Logger, metrics *observability.Metrics) *Registry {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 64
	}
	return &Registry{
		conns:     make(map[string]*Conn),
		byActor:   make(map[string]map[string]*Conn),
		byRequest: make(map[string]map[string]*Conn),
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
}

// Register adds a connection for actor and starts its writer.
func (r *Registry) Register(actor domain.Actor, transport Transport) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		Actor:     actor,
		transport: transport,
		outbox:    make(chan any, r.opts.OutboxSize),
		done:      make(chan struct{}),
		subs:      make(map[string]struct{}),
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	if r.byActor[actor.ID] == nil {
		r.byActor[actor.ID] = make(map[string]*Conn)
	}
	r.byActor[actor.ID][c.ID] = c
	r.mu.Unlock()

	r.metrics.ConnectionOpened()
	r.logger.Debug("connection registered",
		zap.String("conn_id", c.ID),
		zap.String("actor_id", actor.ID),
		zap.String("role", string(actor.Role)),
	)

	go c.writeLoop(r, r.opts.PingInterval)
	return c
}

// Unregister drops the connection and all of its subscriptions. Queued frames
// still in the outbox are flushed by the writer before the transport closes.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.ID)
	if set := r.byActor[c.Actor.ID]; set != nil {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(r.byActor, c.Actor.ID)
		}
	}
	for requestID := range c.subs {
		r.dropSubscriber(requestID, c.ID)
	}
	c.subs = map[string]struct{}{}
	r.mu.Unlock()

	c.shutdown()
	r.metrics.ConnectionClosed()
	r.logger.Debug("connection unregistered", zap.String("conn_id", c.ID), zap.String("actor_id", c.Actor.ID))
}

// Subscribe attaches c to requestID once membership allows it.
func (r *Registry) Subscribe(ctx context.Context, c *Conn, requestID string) error {
	if r.opts.Membership != nil {
		if err := r.opts.Membership(ctx, c.Actor, requestID); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return ErrClosed
	}
	if r.byRequest[requestID] == nil {
		r.byRequest[requestID] = make(map[string]*Conn)
	}
	r.byRequest[requestID][c.ID] = c
	c.subs[requestID] = struct{}{}
	return nil
}

// Unsubscribe detaches c from requestID.
func (r *Registry) Unsubscribe(c *Conn, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(c.subs, requestID)
	r.dropSubscriber(requestID, c.ID)
}

func (r *Registry) dropSubscriber(requestID, connID string) {
	set := r.byRequest[requestID]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byRequest, requestID)
	}
}

// Broadcast queues n on every connection subscribed to requestID that passes
// filter (nil passes all). It never blocks and returns the number of
// connections the frame was queued on.
func (r *Registry) Broadcast(requestID string, n any, filter Filter) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, c := range r.byRequest[requestID] {
		if filter != nil && !filter(c) {
			continue
		}
		if r.enqueue(c, n) {
			delivered++
		}
	}
	r.metrics.RecordDelivery(delivered)
	return delivered
}

// BroadcastToRole queues n on every connection whose actor holds role.
func (r *Registry) BroadcastToRole(role domain.Role, n any) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, c := range r.conns {
		if c.Actor.Role != role {
			continue
		}
		if r.enqueue(c, n) {
			delivered++
		}
	}
	r.metrics.RecordDelivery(delivered)
	return delivered
}

// Send queues a frame for one connection, typically a reply to its own command.
func (r *Registry) Send(c *Conn, v any) bool {
	return r.enqueue(c, v)
}

func (r *Registry) enqueue(c *Conn, v any) bool {
	if c.enqueue(v) {
		return true
	}
	r.metrics.RecordDeliveryFailure()
	r.logger.Warn("delivery failed; outbox full or closed",
		zap.String("conn_id", c.ID),
		zap.String("actor_id", c.Actor.ID),
	)
	return false
}

// Subscribers returns the connections currently watching requestID.
func (r *Registry) Subscribers(requestID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byRequest[requestID]))
	for _, c := range r.byRequest[requestID] {
		out = append(out, c)
	}
	return out
}

// ActorConnections returns how many live connections actorID holds.
func (r *Registry) ActorConnections(actorID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byActor[actorID])
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close unregisters every connection.
func (r *Registry) Close() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		r.Unregister(c)
	}
}
