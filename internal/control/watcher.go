package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/remitwatch/internal/core/config"
	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/core/worker"
	"github.com/vietddude/remitwatch/internal/indexing/alert"
	"github.com/vietddude/remitwatch/internal/indexing/balance"
	"github.com/vietddude/remitwatch/internal/indexing/confirm"
	"github.com/vietddude/remitwatch/internal/indexing/emitter"
	"github.com/vietddude/remitwatch/internal/indexing/health"
	"github.com/vietddude/remitwatch/internal/indexing/indexer"
	"github.com/vietddude/remitwatch/internal/indexing/metrics"
	"github.com/vietddude/remitwatch/internal/indexing/recovery"
	"github.com/vietddude/remitwatch/internal/indexing/reorg"
	"github.com/vietddude/remitwatch/internal/infra/chain"
	"github.com/vietddude/remitwatch/internal/infra/chain/evm"
	redisclient "github.com/vietddude/remitwatch/internal/infra/redis"
	"github.com/vietddude/remitwatch/internal/infra/storage"
	"github.com/vietddude/remitwatch/internal/infra/storage/memory"
	"github.com/vietddude/remitwatch/internal/infra/storage/postgres"
	"github.com/vietddude/remitwatch/internal/query"
)

// Watcher is the main application struct that manages the indexer lifecycle.
type Watcher struct {
	cfg          config.AppConfig
	source       chain.Source
	pipeline     *indexer.Pipeline
	verifier     *worker.BalanceVerifier
	healthServer *health.Server
	emitter      emitter.Emitter
	db           *postgres.DB
	redisClient  *redisclient.Client
	log          *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group

	mu        sync.Mutex
	haltErr   error
	stopOnce  sync.Once
	stopError error
}

// NewWatcher dials the chain node and wires every component.
func NewWatcher(ctx context.Context, cfg *config.AppConfig) (*Watcher, error) {
	c := cfg.Chain
	backoff := c.Backoff
	source, err := evm.Dial(ctx, evm.Config{
		ChainID:         c.ID,
		RPCURL:          c.RPCURL,
		ContractAddress: c.ContractAddress,
		NativeSymbol:    c.NativeSymbol,
		RequestTimeout:  c.RequestTimeout,
		PollInterval:    c.PollInterval,
		RateLimit:       c.RateLimit,
		RateBurst:       c.RateBurst,
		CheckReceipts:   c.CheckReceipts,
		Backoff:         &backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to chain: %w", err)
	}

	w, err := newWatcher(ctx, cfg, source)
	if err != nil {
		source.Close()
		return nil, err
	}
	return w, nil
}

func newWatcher(ctx context.Context, cfg *config.AppConfig, source chain.Source) (*Watcher, error) {
	log := slog.Default().With("component", "watcher", "chain", cfg.Chain.ID)
	chainID := cfg.Chain.ID
	w := &Watcher{cfg: *cfg, source: source, log: log}

	// 1. Initialize Storage
	var ledger storage.LedgerStore
	var cursorRepo storage.CursorRepository
	var blocks storage.BlockRepository
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		w.db = db
		ledger = postgres.NewLedgerRepo(db, chainID)
		cursorRepo = postgres.NewCursorRepo(db)
		blocks = postgres.NewBlockRepo(db)
		log.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		ledger = memory.NewLedgerRepo(store)
		cursorRepo = memory.NewCursorRepo(store)
		blocks = memory.NewBlockRepo(store)
		log.Info("Using Memory storage")
	}

	// 2. Cursor
	cursorMgr := cursor.NewManager(cursorRepo)
	cursorMgr.SetStateChangeCallback(func(chainID string, t cursor.Transition) {
		if t.From != "" {
			metrics.CursorState.WithLabelValues(chainID, string(t.From)).Set(0)
		}
		metrics.CursorState.WithLabelValues(chainID, string(t.To)).Set(1)
		log.Info("Cursor state changed", "from", t.From, "to", t.To, "reason", t.Reason)
	})

	// 3. Redis: incident queue and cursor mirror
	var incidents *redisclient.IncidentRepo
	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			log.Warn("Failed to connect to Redis, incidents and cursor mirror disabled", "error", err)
		} else {
			w.redisClient = client
			incidents = redisclient.NewIncidentRepo(client, chainID)
		}
	}

	// 4. Alerting
	alerters := []alert.Alerter{alert.NewLogAlerter(slog.Default())}
	if incidents != nil {
		alerters = append(alerters, alert.NewRedisAlerter(incidents))
	}
	if cfg.Alerts.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.Alerts.WebhookURL))
	}
	alerter := alert.NewMultiAlerter(cfg.Alerts.Cooldown, slog.Default(), alerters...)

	// 5. Emitter
	if cfg.Kafka.Enabled() {
		w.emitter = emitter.NewKafkaEmitter(cfg.Kafka)
		log.Info("Publishing status changes to Kafka", "topic", cfg.Kafka.Topic)
	} else {
		w.emitter = emitter.NewLogEmitter(slog.Default())
	}

	// 6. Core components
	reconciler := reorg.NewReconciler(reorg.Config{Window: cfg.Indexer.ReorgWindow}, chainID, source, ledger, cursorMgr)
	tracker := confirm.NewTracker(ledger, reconciler, cfg.Indexer.Confirmations)
	aggregator := balance.NewAggregator()

	idxCfg := indexer.Config{
		ChainID:    chainID,
		Source:     source,
		Ledger:     ledger,
		Blocks:     blocks,
		Cursor:     cursorMgr,
		Reconciler: reconciler,
		Tracker:    tracker,
		Aggregator: aggregator,
		Emitter:    w.emitter,
		Alerter:    alerter,
		StartBlock: cfg.Chain.StartBlock,
		QueueSize:  cfg.Indexer.QueueSize,
		RetryDelay: cfg.Indexer.RetryDelay,
		StoreRetry: recovery.StoreBackoff(),
		Logger:     slog.Default(),
	}
	if w.redisClient != nil {
		idxCfg.Mirror = redisclient.NewCursorMirror(w.redisClient)
	}
	w.pipeline = indexer.NewPipeline(idxCfg)

	w.verifier = worker.NewBalanceVerifier(chainID, cfg.Indexer.VerifyInterval, aggregator, ledger, w.pipeline, alerter)

	// 7. Health and query API share one server
	probe := health.Probe{Pipeline: w.pipeline}
	if heights, ok := source.(health.BlockHeightFetcher); ok {
		probe.Heights = heights
	}
	if incidents != nil {
		probe.Incidents = incidents
	}
	healthMon := health.NewMonitor(map[string]health.Probe{chainID: probe}, 10*time.Second)
	w.healthServer = health.NewServer(healthMon, cfg.Server.Port)

	svc := query.NewService(ledger, aggregator, tracker, source.NativeSymbol())
	query.NewHandler(svc, slog.Default()).Register(w.healthServer.Mux())

	return w, nil
}

// Start starts the watcher and all its components. It does not block.
func (w *Watcher) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	w.group = g

	g.Go(func() error {
		if err := w.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if w.db != nil {
		w.db.StartMetricsCollector(gctx)
	}

	// A halted pipeline keeps the API up so operators can inspect it.
	g.Go(func() error {
		if err := w.pipeline.Start(runCtx); err != nil {
			w.mu.Lock()
			w.haltErr = err
			w.mu.Unlock()
			w.log.Error("Indexer stopped", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		w.verifier.Start(gctx)
		return nil
	})

	w.log.Info("Watcher started", "port", w.cfg.Server.Port)
	return nil
}

// Err returns the error that halted ingestion, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.haltErr
}

// Pipeline exposes the ingestion pipeline.
func (w *Watcher) Pipeline() *indexer.Pipeline {
	return w.pipeline
}

// Handler returns the HTTP handler serving health, metrics and queries.
func (w *Watcher) Handler() http.Handler {
	return w.healthServer.Mux()
}

// Stop drains the pipeline, shuts the server down and releases resources.
func (w *Watcher) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopError = w.stop(ctx)
	})
	return w.stopError
}

func (w *Watcher) stop(ctx context.Context) error {
	w.log.Info("Stopping Watcher...")
	var errs []error

	if err := w.pipeline.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop indexer: %w", err))
	}
	if err := w.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop http server: %w", err))
	}
	if w.cancel != nil {
		w.cancel()
	}
	if w.group != nil {
		if err := w.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := w.emitter.Close(); err != nil {
		w.log.Warn("Failed to close emitter", "error", err)
	}
	w.source.Close()
	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			w.log.Warn("Failed to close database", "error", err)
		}
	}
	return errors.Join(errs...)
}
