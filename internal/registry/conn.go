package registry

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

// ErrClosed is returned for operations on an unregistered connection.
var ErrClosed = errors.New("registry: connection closed")

// Transport is the wire side of a connection. Calls come from a single
// writer goroutine, never concurrently.
type Transport interface {
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// Conn is one live channel of one actor.
type Conn struct {
	ID    string
	Actor domain.Actor

	transport Transport
	outbox    chan any
	done      chan struct{}

	mu     sync.RWMutex
	closed bool

	// guarded by Registry.mu
	subs map[string]struct{}
}

// Done is closed once the writer has flushed and closed the transport.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) enqueue(v any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.outbox <- v:
		return true
	default:
		return false
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
}

func (c *Conn) writeLoop(r *Registry, pingInterval time.Duration) {
	defer close(c.done)
	defer c.transport.Close() //nolint:errcheck

	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	failed := false
	for {
		select {
		case msg, ok := <-c.outbox:
			if !ok {
				return
			}
			if failed {
				continue
			}
			if err := c.transport.WriteJSON(msg); err != nil {
				failed = true
				r.metrics.RecordDeliveryFailure()
				r.logger.Warn("connection write failed",
					zap.String("conn_id", c.ID),
					zap.String("actor_id", c.Actor.ID),
					zap.Error(err),
				)
				go r.Unregister(c)
			}
		case <-ping:
			if failed {
				continue
			}
			if err := c.transport.Ping(); err != nil {
				failed = true
				r.logger.Debug("connection ping failed", zap.String("conn_id", c.ID), zap.Error(err))
				go r.Unregister(c)
			}
		}
	}
}
