// Package worker runs background maintenance jobs.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/config"
	"github.com/spec-kit/as-dispatch/internal/domain"
	"github.com/spec-kit/as-dispatch/internal/eventstore"
	"github.com/spec-kit/as-dispatch/internal/observability"
)

// ProjectionWorker periodically re-folds recently touched requests and
// rebuilds any materialized row that drifted from its event log.
type ProjectionWorker struct {
	store   eventstore.Store
	cfg     config.WorkerConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewProjectionWorker builds the worker. Pass the cached store so rebuilds
// also drop stale snapshots.
func NewProjectionWorker(store eventstore.Store, cfg config.WorkerConfig, logger *zap.Logger, metrics *observability.Metrics) *ProjectionWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &ProjectionWorker{
		store:   store,
		cfg:     cfg,
		logger:  logger.Named("projection"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Run schedules Check until ctx is cancelled.
func (w *ProjectionWorker) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(w.cfg.ProjectionEvery),
		gocron.NewTask(func() {
			repaired, err := w.Check(ctx)
			if err != nil {
				w.logger.Error("projection check failed", zap.Error(err))
				return
			}
			w.logger.Debug("projection check finished", zap.Int("repaired", repaired))
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule projection check: %w", err)
	}

	scheduler.Start()
	w.logger.Info("projection worker started", zap.Duration("every", w.cfg.ProjectionEvery))

	<-ctx.Done()
	return scheduler.Shutdown()
}

// Check compares every request updated within the look-back window with the
// fold of its history and returns how many rows it rebuilt.
func (w *ProjectionWorker) Check(ctx context.Context) (int, error) {
	since := w.now().Add(-w.cfg.ProjectionWindow)
	return w.scan(ctx, &since)
}

// CheckAll verifies every request regardless of age.
func (w *ProjectionWorker) CheckAll(ctx context.Context) (int, error) {
	return w.scan(ctx, nil)
}

func (w *ProjectionWorker) scan(ctx context.Context, since *time.Time) (int, error) {
	repaired := 0
	for offset := 0; ; offset += w.cfg.BatchSize {
		reqs, err := w.store.ListRequests(ctx, eventstore.RequestFilter{
			UpdatedSince: since,
			Limit:        w.cfg.BatchSize,
			Offset:       offset,
		})
		if err != nil {
			return repaired, fmt.Errorf("list requests: %w", err)
		}
		for i := range reqs {
			drifted, err := w.verify(ctx, &reqs[i])
			if err != nil {
				w.logger.Warn("projection verify failed", zap.String("request_id", reqs[i].ID), zap.Error(err))
				continue
			}
			if drifted {
				repaired++
			}
		}
		if len(reqs) < w.cfg.BatchSize {
			return repaired, nil
		}
	}
}

func (w *ProjectionWorker) verify(ctx context.Context, materialized *domain.AsRequest) (bool, error) {
	history, err := w.store.History(ctx, materialized.ID, 0)
	if err != nil {
		return false, err
	}
	folded, err := domain.Fold(history)
	if err != nil {
		return false, err
	}

	want, err := json.Marshal(folded)
	if err != nil {
		return false, err
	}
	got, err := json.Marshal(materialized)
	if err != nil {
		return false, err
	}
	if bytes.Equal(want, got) {
		return false, nil
	}

	w.metrics.RecordProjectionDrift()
	w.logger.Warn("materialized request drifted from event log, rebuilding",
		zap.String("request_id", materialized.ID),
		zap.Int64("materialized_sequence", materialized.Sequence),
		zap.Int64("log_sequence", folded.Sequence),
	)
	if _, err := w.store.Rebuild(ctx, materialized.ID); err != nil {
		return true, fmt.Errorf("rebuild: %w", err)
	}
	return true, nil
}
