package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/balance"
	"github.com/vietddude/remitwatch/internal/indexing/emitter"
	"github.com/vietddude/remitwatch/internal/indexing/metrics"
)

// emitTimeout bounds one downstream emit.
const emitTimeout = 10 * time.Second

// item is one queued batch. A barrier carries no changes and is closed once
// everything queued before it has been applied.
type item struct {
	changes []domain.Change
	flushed chan struct{}
}

// stage is the downstream consumer of ledger changes. The pipeline blocks
// on a full queue instead of dropping batches.
type stage struct {
	chainID    string
	queue      chan item
	aggregator *balance.Aggregator
	emitter    emitter.Emitter
	log        *slog.Logger
}

func newStage(chainID string, size int, agg *balance.Aggregator, em emitter.Emitter, log *slog.Logger) *stage {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &stage{
		chainID:    chainID,
		queue:      make(chan item, size),
		aggregator: agg,
		emitter:    em,
		log:        log,
	}
}

// enqueue hands a batch downstream, waiting while the queue is full.
func (s *stage) enqueue(ctx context.Context, batch []domain.Change) error {
	if len(batch) == 0 {
		return nil
	}
	select {
	case s.queue <- item{changes: batch}:
		metrics.QueueDepth.WithLabelValues(s.chainID).Set(float64(len(s.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// barrier waits until every batch queued so far has been applied.
func (s *stage) barrier(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case s.queue <- item{flushed: flushed}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stage) close() {
	close(s.queue)
}

func (s *stage) depth() int {
	return len(s.queue)
}

// run consumes batches until the queue is closed.
func (s *stage) run(ctx context.Context) error {
	for it := range s.queue {
		metrics.QueueDepth.WithLabelValues(s.chainID).Set(float64(len(s.queue)))
		if len(it.changes) > 0 {
			s.apply(ctx, it.changes)
		}
		if it.flushed != nil {
			close(it.flushed)
		}
	}
	return nil
}

func (s *stage) apply(ctx context.Context, batch []domain.Change) {
	if s.aggregator != nil {
		s.aggregator.ApplyAll(batch)
	}

	for _, c := range batch {
		if !c.StatusChanged() {
			continue
		}
		from := "new"
		if c.Previous != nil {
			from = string(c.Previous.Status)
		}
		metrics.StatusTransitions.WithLabelValues(s.chainID, from, string(c.Current.Status)).Inc()
	}

	if s.emitter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()
	if err := s.emitter.Emit(ctx, batch); err != nil {
		metrics.EmitErrors.WithLabelValues(s.chainID).Inc()
		s.log.Error("failed to emit status changes", "changes", len(batch), "error", err)
	}
}
