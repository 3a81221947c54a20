package eventstore

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

// SnapshotCache holds materialized request snapshots keyed by request id.
type SnapshotCache interface {
	Get(ctx context.Context, id string) (*domain.AsRequest, bool, error)
	Set(ctx context.Context, req *domain.AsRequest) error
	Delete(ctx context.Context, id string) error
}

// Cached serves LoadRequest from a snapshot cache. Cache failures degrade to
// the underlying store; they never fail a command.
type Cached struct {
	Store
	cache  SnapshotCache
	logger *zap.Logger
	loads  singleflight.Group
}

// NewCached decorates store with cache.
func NewCached(store Store, cache SnapshotCache, logger *zap.Logger) *Cached {
	return &Cached{Store: store, cache: cache, logger: logger}
}

func (c *Cached) LoadRequest(ctx context.Context, id string) (*domain.AsRequest, error) {
	req, ok, err := c.cache.Get(ctx, id)
	if err != nil {
		c.logger.Warn("snapshot cache read failed", zap.String("request_id", id), zap.Error(err))
	}
	if ok {
		return req, nil
	}

	v, err, _ := c.loads.Do(id, func() (any, error) {
		req, err := c.Store.LoadRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, req); err != nil {
			c.logger.Warn("snapshot cache write failed", zap.String("request_id", id), zap.Error(err))
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.AsRequest).Clone(), nil
}

func (c *Cached) Append(ctx context.Context, in AppendInput) (Appended, error) {
	out, err := c.Store.Append(ctx, in)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			c.invalidate(ctx, in.RequestID)
		}
		return out, err
	}
	if err := c.cache.Set(ctx, out.Request); err != nil {
		c.logger.Warn("snapshot cache refresh failed", zap.String("request_id", in.RequestID), zap.Error(err))
		c.invalidate(ctx, in.RequestID)
	}
	return out, nil
}

func (c *Cached) Rebuild(ctx context.Context, id string) (*domain.AsRequest, error) {
	req, err := c.Store.Rebuild(ctx, id)
	c.invalidate(ctx, id)
	return req, err
}

// Invalidate drops the cached snapshot for id.
func (c *Cached) Invalidate(ctx context.Context, id string) {
	c.invalidate(ctx, id)
}

func (c *Cached) invalidate(ctx context.Context, id string) {
	if err := c.cache.Delete(ctx, id); err != nil {
		c.logger.Warn("snapshot cache invalidate failed", zap.String("request_id", id), zap.Error(err))
	}
}
