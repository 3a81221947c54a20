package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/domain"
)

type memoryCache struct {
	mu      sync.Mutex
	items   map[string]*domain.AsRequest
	gets    int
	failSet bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: map[string]*domain.AsRequest{}}
}

func (m *memoryCache) Get(_ context.Context, id string) (*domain.AsRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	req, ok := m.items[id]
	return req.Clone(), ok, nil
}

func (m *memoryCache) Set(_ context.Context, req *domain.AsRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSet {
		return errors.New("cache down")
	}
	m.items[req.ID] = req.Clone()
	return nil
}

func (m *memoryCache) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memoryCache) cached(id string) (*domain.AsRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.items[id]
	return req, ok
}

func TestCachedRefreshesAfterAppend(t *testing.T) {
	inner, _ := newSQLiteStore(t)
	cache := newMemoryCache()
	store := NewCached(inner, cache, zap.NewNop())
	ctx := context.Background()

	_, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)
	_, err = store.Append(ctx, acceptInput("req-1", 1))
	require.NoError(t, err)

	snap, ok := cache.cached("req-1")
	require.True(t, ok)
	require.EqualValues(t, 2, snap.Sequence)

	loaded, err := store.LoadRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusScheduled, loaded.Status)
}

func TestCachedInvalidatesOnConflict(t *testing.T) {
	inner, _ := newSQLiteStore(t)
	cache := newMemoryCache()
	store := NewCached(inner, cache, zap.NewNop())
	ctx := context.Background()

	_, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)

	_, err = store.Append(ctx, acceptInput("req-1", 7))
	require.ErrorIs(t, err, ErrConflict)
	_, ok := cache.cached("req-1")
	require.False(t, ok)

	loaded, err := store.LoadRequest(ctx, "req-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, loaded.Sequence)
	_, ok = cache.cached("req-1")
	require.True(t, ok)
}

func TestCachedFallsBackWhenCacheFails(t *testing.T) {
	inner, _ := newSQLiteStore(t)
	cache := newMemoryCache()
	cache.failSet = true
	store := NewCached(inner, cache, zap.NewNop())
	ctx := context.Background()

	_, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)

	loaded, err := store.LoadRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, "req-1", loaded.ID)

	_, err = store.LoadRequest(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCachedLoadsReturnIndependentCopies(t *testing.T) {
	inner, _ := newSQLiteStore(t)
	cache := newMemoryCache()
	cache.failSet = true
	store := NewCached(inner, cache, zap.NewNop())
	ctx := context.Background()

	_, err := store.Append(ctx, createInput("req-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*domain.AsRequest, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := store.LoadRequest(ctx, "req-1")
			if err == nil {
				results[i] = req
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		require.NotNil(t, results[i])
		require.NotSame(t, results[0], results[i])
		require.Equal(t, results[0].ID, results[i].ID)
	}
}
