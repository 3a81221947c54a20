package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/as-dispatch/internal/events"
	"github.com/spec-kit/as-dispatch/internal/observability"
)

const indexTimeout = 5 * time.Second

// DocumentIndexer is the write side of a search backend.
type DocumentIndexer interface {
	Index(ctx context.Context, documentID string, doc any) error
}

// AuditIndexer queues audit records and indexes them in the background.
// It implements events.AuditWriter; a full queue drops the record.
type AuditIndexer struct {
	backend DocumentIndexer
	queue   chan events.AuditRecord
	logger  *zap.Logger
	metrics *observability.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewAuditIndexer builds an indexer with a queue of queueSize records.
func NewAuditIndexer(backend DocumentIndexer, queueSize int, logger *zap.Logger, metrics *observability.Metrics) *AuditIndexer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AuditIndexer{
		backend: backend,
		queue:   make(chan events.AuditRecord, queueSize),
		logger:  logger.Named("search"),
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Write enqueues record without blocking.
func (i *AuditIndexer) Write(_ context.Context, record events.AuditRecord) error {
	select {
	case <-i.done:
		return fmt.Errorf("audit indexer stopped")
	default:
	}
	select {
	case i.queue <- record:
		return nil
	default:
		i.metrics.RecordIndexFailure()
		return fmt.Errorf("audit index queue full, dropped %s/%d", record.RequestID, record.Sequence)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (i *AuditIndexer) Run(ctx context.Context) error {
	for {
		select {
		case record := <-i.queue:
			i.index(ctx, record)
		case <-ctx.Done():
			i.stop()
			i.flush()
			return nil
		}
	}
}

func (i *AuditIndexer) stop() {
	i.closeOnce.Do(func() { close(i.done) })
}

func (i *AuditIndexer) flush() {
	for {
		select {
		case record := <-i.queue:
			i.index(context.Background(), record)
		default:
			return
		}
	}
}

func (i *AuditIndexer) index(ctx context.Context, record events.AuditRecord) {
	ctx, cancel := context.WithTimeout(ctx, indexTimeout)
	defer cancel()
	if err := i.backend.Index(ctx, DocumentID(record), record); err != nil {
		i.metrics.RecordIndexFailure()
		i.logger.Warn("audit index failed",
			zap.String("request_id", record.RequestID),
			zap.Int64("sequence", record.Sequence),
			zap.Error(err),
		)
	}
}

// DocumentID is stable per event so re-indexing is idempotent.
func DocumentID(record events.AuditRecord) string {
	return fmt.Sprintf("%s-%d", record.RequestID, record.Sequence)
}
