package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/alert"
	"github.com/vietddude/remitwatch/internal/indexing/metrics"
	"github.com/vietddude/remitwatch/internal/indexing/normalizer"
	"github.com/vietddude/remitwatch/internal/indexing/recovery"
	"github.com/vietddude/remitwatch/internal/indexing/reorg"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// Pipeline implements the Indexer interface. It is the only ledger writer:
// blocks are processed strictly in order and events in log-index order.
type Pipeline struct {
	cfg   Config
	stage *stage
	log   *slog.Logger

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	cursorBlock atomic.Uint64
	latest      atomic.Uint64
	state       atomic.Value // domain.CursorState
	lastErr     atomic.Value // string
	inReorg     bool
	degraded    bool

	// writeMu serializes ledger writes with Quiesce.
	writeMu   sync.Mutex
	stageLive bool
}

// NewPipeline creates a new indexing pipeline
func NewPipeline(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StoreRetry == nil {
		cfg.StoreRetry = recovery.StoreBackoff()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Alerter == nil {
		cfg.Alerter = &alert.NoopAlerter{}
	}

	log := cfg.Logger.With("component", "indexer", "chain", cfg.ChainID)
	p := &Pipeline{
		cfg:   cfg,
		stage: newStage(cfg.ChainID, cfg.QueueSize, cfg.Aggregator, cfg.Emitter, log),
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	p.state.Store(domain.CursorStateInit)
	p.lastErr.Store("")
	return p
}

// Start bootstraps from the persisted cursor and runs the ingestion loop.
// It returns nil on Stop or ctx cancellation and the error on a fatal halt.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already running")
	}
	defer close(p.done)

	if err := p.bootstrap(ctx); err != nil {
		p.closeStage()
		if domain.IsFatal(err) {
			return p.fail(ctx, err)
		}
		return err
	}

	// Waits on the node are cut short by Stop; block processing is not.
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()
	go func() {
		select {
		case <-p.stop:
			cancelFetch()
		case <-fetchCtx.Done():
		}
	}()

	p.writeMu.Lock()
	p.stageLive = true
	p.writeMu.Unlock()

	// The stage drains after a halt too, so it does not share a group
	// context with the loop.
	var g errgroup.Group
	g.Go(func() error {
		return p.stage.run(context.WithoutCancel(ctx))
	})
	g.Go(func() error {
		defer p.closeStage()
		return p.loop(ctx, fetchCtx)
	})
	return g.Wait()
}

func (p *Pipeline) closeStage() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.stageLive = false
	p.stage.close()
}

// Quiesce runs fn after every ledger change written so far has reached the
// aggregator. No block is processed while fn runs, so the ledger and the
// balances agree for its duration.
func (p *Pipeline) Quiesce(ctx context.Context, fn func(ctx context.Context) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.stageLive {
		if err := p.stage.barrier(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

// Stop signals the loop and waits for the in-flight block and the
// downstream queue to finish.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	if !p.running.Load() {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatus returns the current status
func (p *Pipeline) GetStatus() Status {
	current := p.cursorBlock.Load()
	latest := p.latest.Load()
	st := Status{
		ChainID:      p.cfg.ChainID,
		CurrentBlock: current,
		LatestBlock:  latest,
		State:        string(p.state.Load().(domain.CursorState)),
		QueueDepth:   p.stage.depth(),
		LastError:    p.lastErr.Load().(string),
	}
	if p.cfg.Tracker != nil {
		st.Unconfirmed = p.cfg.Tracker.Outstanding()
	}
	if p.cfg.Reconciler != nil {
		st.WindowBlocks = p.cfg.Reconciler.Retained()
	}
	if latest > current {
		st.Lag = int64(latest - current)
	}
	if p.cfg.Cursor != nil {
		m := p.cfg.Cursor.GetMetrics(p.cfg.ChainID)
		st.BlocksPerSecond = m.BlocksPerSecond
		st.Rollbacks = m.Rollbacks
	}
	return st
}

// bootstrap loads or creates the cursor and rebuilds in-memory state from
// the ledger.
func (p *Pipeline) bootstrap(ctx context.Context) error {
	chainID := p.cfg.ChainID

	cur, err := p.cfg.Cursor.Get(ctx, chainID)
	if errors.Is(err, storage.ErrCursorNotFound) {
		cur, err = p.initCursor(ctx)
	}
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	switch cur.State {
	case domain.CursorStateHalted:
		p.log.Warn("resuming halted cursor", "block", cur.BlockNumber)
	case domain.CursorStateReorg:
		p.log.Info("resuming after interrupted reorg", "block", cur.BlockNumber)
	}
	if err := p.cfg.Cursor.SetState(ctx, chainID, domain.CursorStateScanning, "start"); err != nil {
		return fmt.Errorf("set cursor state: %w", err)
	}

	p.cursorBlock.Store(cur.BlockNumber)
	p.state.Store(domain.CursorStateScanning)

	if err := p.seedWindow(ctx, cur); err != nil {
		return err
	}
	if err := p.cfg.Tracker.Seed(ctx); err != nil {
		return fmt.Errorf("seed confirmation tracker: %w", err)
	}
	if p.cfg.Aggregator != nil {
		if err := p.cfg.Aggregator.Recompute(ctx, p.cfg.Ledger); err != nil {
			return fmt.Errorf("rebuild balances: %w", err)
		}
	}

	p.log.Info("indexer ready", "cursor", cur.BlockNumber, "hash", cur.BlockHash)
	return nil
}

// seedWindow rebuilds the reorg window from stored headers up to the
// cursor so a fork reaching below the cursor right after a restart can
// still be resolved.
func (p *Pipeline) seedWindow(ctx context.Context, cur *domain.Cursor) error {
	if p.cfg.Blocks != nil {
		headers, err := p.cfg.Blocks.Recent(ctx, p.cfg.ChainID, cur.BlockNumber, p.cfg.Reconciler.WindowSize())
		if err != nil {
			return fmt.Errorf("load recent blocks: %w", err)
		}
		for _, h := range headers {
			p.cfg.Reconciler.Seed(h.Number, h.Hash)
		}
	}
	// The cursor is authoritative for its own height.
	p.cfg.Reconciler.Seed(cur.BlockNumber, cur.BlockHash)
	return nil
}

// initCursor anchors a fresh cursor one block before the first block to
// ingest.
func (p *Pipeline) initCursor(ctx context.Context) (*domain.Cursor, error) {
	var anchor uint64
	if p.cfg.StartBlock > 0 {
		anchor = p.cfg.StartBlock - 1
	} else {
		head, err := p.cfg.Source.LatestBlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		anchor = head
	}

	header, err := p.cfg.Source.HeaderAt(ctx, anchor)
	if err != nil {
		return nil, err
	}
	p.log.Info("initializing cursor", "block", anchor, "hash", header.Hash)
	return p.cfg.Cursor.Initialize(ctx, p.cfg.ChainID, anchor, header.Hash)
}

func (p *Pipeline) loop(ctx, fetchCtx context.Context) error {
	next := p.cursorBlock.Load() + 1

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		default:
		}

		if next > p.latest.Load() {
			head, err := p.cfg.Source.WaitForHead(fetchCtx, next-1)
			if err != nil {
				if stop, ferr := p.onError(ctx, fetchCtx, next, err); stop {
					return ferr
				}
				continue
			}
			p.latest.Store(head)
		}

		block, err := p.cfg.Source.BlockAt(fetchCtx, next)
		if err != nil {
			if stop, ferr := p.onError(ctx, fetchCtx, next, err); stop {
				return ferr
			}
			continue
		}

		next, err = p.ProcessBlock(ctx, block)
		if err != nil {
			if stop, ferr := p.onError(ctx, fetchCtx, block.Number, err); stop {
				return ferr
			}
			next = p.cursorBlock.Load() + 1
			continue
		}
		p.recovered(ctx, block.Number)
	}
}

// onError decides whether the loop stops. Fatal errors halt the cursor and
// are returned; anything else is reported and retried after RetryDelay.
func (p *Pipeline) onError(ctx, fetchCtx context.Context, block uint64, err error) (bool, error) {
	if fetchCtx.Err() != nil {
		return true, nil
	}
	if domain.IsFatal(err) {
		return true, p.fail(ctx, err)
	}

	p.lastErr.Store(err.Error())
	p.log.Error("block processing failed, will retry", "block", block, "error", err)
	if errors.Is(err, domain.ErrSourceUnavailable) {
		p.degraded = true
		p.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeSourceUnavailable,
			Title:   "chain node unavailable",
			Message: err.Error(),
			Block:   block,
		})
	}

	t := time.NewTimer(p.cfg.RetryDelay)
	defer t.Stop()
	select {
	case <-fetchCtx.Done():
		return true, nil
	case <-t.C:
		return false, nil
	}
}

// fail halts the cursor, leaving its position intact, and raises a fatal
// alert.
func (p *Pipeline) fail(ctx context.Context, err error) error {
	kind := "other"
	switch {
	case errors.Is(err, domain.ErrReorgTooDeep):
		kind = "reorg_too_deep"
	case errors.Is(err, domain.ErrSourceConfig):
		kind = "source_config"
	case errors.Is(err, domain.ErrStoreWrite):
		kind = "store_write"
	}
	metrics.FatalErrors.WithLabelValues(p.cfg.ChainID, kind).Inc()
	p.lastErr.Store(err.Error())
	p.log.Error("ingestion halted", "kind", kind, "block", p.cursorBlock.Load(), "error", err)

	haltCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if herr := p.cfg.Cursor.Halt(haltCtx, p.cfg.ChainID, err.Error()); herr != nil {
		p.log.Error("failed to halt cursor", "error", herr)
	} else {
		p.state.Store(domain.CursorStateHalted)
	}

	p.sendAlert(haltCtx, alert.Alert{
		Type:    alert.AlertTypeHalted,
		Title:   "ingestion halted",
		Message: err.Error(),
		Block:   p.cursorBlock.Load(),
		Fatal:   true,
		Fields:  map[string]string{"kind": kind},
	})
	return err
}

// recovered clears the error state once a block goes through again and
// reports the end of a source outage.
func (p *Pipeline) recovered(ctx context.Context, block uint64) {
	if p.lastErr.Load().(string) == "" {
		return
	}
	p.lastErr.Store("")
	if !p.degraded {
		return
	}
	p.degraded = false
	p.log.Info("chain node reachable again", "block", block)
	p.sendAlert(ctx, alert.Alert{
		Type:    alert.AlertTypeRecovered,
		Title:   "chain node recovered",
		Message: fmt.Sprintf("ingestion resumed at block %d", block),
		Block:   block,
	})
}

func (p *Pipeline) sendAlert(ctx context.Context, a alert.Alert) {
	a.Chain = p.cfg.ChainID
	if err := p.cfg.Alerter.Send(ctx, a); err != nil {
		p.log.Warn("alert delivery failed", "type", a.Type, "error", err)
	}
}

// ProcessBlock reconciles, stores and confirms one delivered block and
// returns the next block number to fetch.
func (p *Pipeline) ProcessBlock(ctx context.Context, block *domain.Block) (uint64, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	out, err := p.cfg.Reconciler.Reconcile(ctx, block.BlockHeader)
	if err != nil {
		return block.Number, err
	}

	var batch []domain.Change

	switch out.Info.Decision {
	case reorg.DecisionReorg:
		rb := out.Rollback
		p.onReorg(ctx, block, rb)
		batch = append(batch, rb.Changes...)

		if !out.Info.Attach {
			if err := p.stage.enqueue(ctx, batch); err != nil {
				return block.Number, err
			}
			return rb.SafeBlock + 1, nil
		}
	case reorg.DecisionDuplicate:
		p.log.Debug("duplicate block delivery", "block", block.Number, "hash", block.Hash)
	case reorg.DecisionStale:
		return block.Number, fmt.Errorf("%w: block %d hash %s does not build on %d",
			reorg.ErrStaleBlock, block.Number, block.Hash, out.Info.SafeBlock)
	}

	// Rolled back and partially written records reach the aggregator even
	// when the block fails part way.
	changes, err := p.applyEvents(ctx, block)
	batch = append(batch, changes...)
	if err != nil {
		_ = p.stage.enqueue(ctx, batch)
		return block.Number, err
	}

	// A re-delivered block below the cursor only refreshes its records.
	if cur := p.cursorBlock.Load(); out.Info.Decision == reorg.DecisionDuplicate && block.Number < cur {
		if err := p.stage.enqueue(ctx, batch); err != nil {
			return block.Number, err
		}
		return cur + 1, nil
	}

	p.cfg.Reconciler.Accept(block.BlockHeader)

	confirmed, err := p.cfg.Tracker.OnHead(ctx, block.Number)
	batch = append(batch, confirmed...)
	if err != nil {
		_ = p.stage.enqueue(ctx, batch)
		return block.Number, err
	}

	if err := p.stage.enqueue(ctx, batch); err != nil {
		return block.Number, err
	}

	if err := p.advance(ctx, block.BlockHeader); err != nil {
		return block.Number, err
	}

	metrics.BlocksProcessed.WithLabelValues(p.cfg.ChainID).Inc()
	if block.Number > p.latest.Load() {
		p.latest.Store(block.Number)
	}
	return block.Number + 1, nil
}

func (p *Pipeline) onReorg(ctx context.Context, block *domain.Block, rb *reorg.RollbackResult) {
	p.cfg.Tracker.Discard(rb.FromBlock)
	for _, c := range rb.Changes {
		p.cfg.Tracker.Observe(c)
	}

	p.inReorg = true
	p.cursorBlock.Store(rb.SafeBlock)
	if p.cfg.Blocks != nil {
		if err := p.cfg.Blocks.DeleteFrom(ctx, p.cfg.ChainID, rb.FromBlock); err != nil {
			p.log.Warn("failed to forget replaced block headers", "from", rb.FromBlock, "error", err)
		}
	}
	p.state.Store(domain.CursorStateReorg)

	metrics.ReorgsDetected.WithLabelValues(p.cfg.ChainID).Inc()
	metrics.ReorgDepth.WithLabelValues(p.cfg.ChainID).Observe(float64(rb.Depth))
	p.log.Warn("reorg handled",
		"block", block.Number,
		"hash", block.Hash,
		"ancestor", rb.SafeBlock,
		"depth", rb.Depth,
		"reorged", len(rb.Changes),
		"duration", rb.Duration,
	)
	p.sendAlert(ctx, alert.Alert{
		Type:    alert.AlertTypeReorg,
		Title:   "chain reorganization",
		Message: fmt.Sprintf("rolled back to block %d", rb.SafeBlock),
		Block:   block.Number,
		Fields:  map[string]string{"depth": fmt.Sprint(rb.Depth)},
	})
}

// applyEvents normalizes and upserts the block's events in log-index order.
// Malformed events are skipped.
func (p *Pipeline) applyEvents(ctx context.Context, block *domain.Block) ([]domain.Change, error) {
	events := make([]domain.RawEvent, len(block.Events))
	copy(events, block.Events)
	sort.SliceStable(events, func(i, j int) bool { return events[i].LogIndex < events[j].LogIndex })

	var changes []domain.Change
	for _, ev := range events {
		tx, err := normalizer.Normalize(ev, p.cfg.Source.NativeSymbol())
		if err != nil {
			reason := "invalid"
			var nerr *normalizer.Error
			if errors.As(err, &nerr) {
				reason = nerr.Field
			}
			metrics.EventsRejected.WithLabelValues(p.cfg.ChainID, reason).Inc()
			p.log.Warn("skipping malformed event",
				"block", block.Number,
				"tx", ev.TxHash,
				"logIndex", ev.LogIndex,
				"error", err,
			)
			continue
		}

		var change domain.Change
		err = p.withStoreRetry(ctx, func(ctx context.Context) error {
			var err error
			change, err = p.cfg.Ledger.Put(ctx, tx)
			return err
		})
		if err != nil {
			return changes, storeErr(fmt.Sprintf("put %s", tx.ID), err)
		}

		metrics.EventsNormalized.WithLabelValues(p.cfg.ChainID, string(ev.Kind)).Inc()
		p.cfg.Tracker.Observe(change)
		if !change.Noop() {
			changes = append(changes, change)
		}
	}
	return changes, nil
}

// advance persists the cursor at header, leaving the reorg state first if
// a rollback preceded this block.
func (p *Pipeline) advance(ctx context.Context, header domain.BlockHeader) error {
	chainID := p.cfg.ChainID

	err := p.withStoreRetry(ctx, func(ctx context.Context) error {
		// The header goes first: one stored above the cursor is ignored on
		// restart, a cursor without its header is not.
		if p.cfg.Blocks != nil {
			if err := p.cfg.Blocks.Save(ctx, chainID, header); err != nil {
				return err
			}
		}
		if p.inReorg {
			if err := p.cfg.Cursor.SetState(ctx, chainID, domain.CursorStateScanning,
				fmt.Sprintf("replaying from block %d", header.Number)); err != nil {
				return err
			}
			p.inReorg = false
		}
		return p.cfg.Cursor.Advance(ctx, chainID, header.Number, header.Hash)
	})
	if err != nil {
		return storeErr(fmt.Sprintf("advance cursor to %d", header.Number), err)
	}

	p.cursorBlock.Store(header.Number)
	p.state.Store(domain.CursorStateScanning)
	metrics.CursorBlock.WithLabelValues(chainID).Set(float64(header.Number))
	p.pruneBlocks(ctx, header.Number)

	if p.cfg.Mirror != nil {
		c := &domain.Cursor{
			ChainID:     chainID,
			BlockNumber: header.Number,
			BlockHash:   header.Hash,
			State:       domain.CursorStateScanning,
			UpdatedAt:   time.Now(),
		}
		if err := p.cfg.Mirror.Publish(ctx, c); err != nil {
			p.log.Debug("cursor mirror publish failed", "error", err)
		}
	}
	return nil
}

// pruneBlocks drops stored headers well below the reorg window, once per
// window's worth of blocks.
func (p *Pipeline) pruneBlocks(ctx context.Context, number uint64) {
	size := uint64(p.cfg.Reconciler.WindowSize())
	if p.cfg.Blocks == nil || number%size != 0 || number < 2*size {
		return
	}
	if err := p.cfg.Blocks.DeleteBelow(ctx, p.cfg.ChainID, number-2*size); err != nil {
		p.log.Warn("failed to prune block headers", "below", number-2*size, "error", err)
	}
}

func (p *Pipeline) withStoreRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	hook := func(attempt int, delay time.Duration, err error) {
		metrics.StoreRetries.WithLabelValues(p.cfg.ChainID).Inc()
		p.log.Warn("store write failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	return recovery.Do(ctx, p.cfg.StoreRetry, hook, fn)
}

func storeErr(op string, err error) error {
	if errors.Is(err, domain.ErrStoreWrite) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreWrite, op, err)
}
