package indexer

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/alert"
	"github.com/vietddude/remitwatch/internal/indexing/balance"
	"github.com/vietddude/remitwatch/internal/indexing/confirm"
	"github.com/vietddude/remitwatch/internal/indexing/emitter"
	"github.com/vietddude/remitwatch/internal/indexing/recovery"
	"github.com/vietddude/remitwatch/internal/indexing/reorg"
	"github.com/vietddude/remitwatch/internal/infra/chain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// DefaultQueueSize bounds the downstream queue when unset.
const DefaultQueueSize = 256

// Indexer is the main orchestrator that coordinates all components
type Indexer interface {
	// Start runs ingestion until Stop, ctx cancellation or a fatal error.
	Start(ctx context.Context) error

	// Stop finishes the in-flight block, drains the downstream queue and
	// waits for Start to return.
	Stop(ctx context.Context) error

	// GetStatus returns current indexing status
	GetStatus() Status
}

type Status struct {
	ChainID         string
	CurrentBlock    uint64
	LatestBlock     uint64
	Lag             int64
	State           string
	BlocksPerSecond float64
	QueueDepth      int
	Unconfirmed     int // Pending records short of K confirmations
	WindowBlocks    int // accepted hashes held for reorg checks
	Rollbacks       int
	LastError       string
}

// CursorPublisher mirrors the cursor for operators. Failures are logged and
// never stop ingestion.
type CursorPublisher interface {
	Publish(ctx context.Context, c *domain.Cursor) error
}

// Config holds indexer configuration
type Config struct {
	ChainID    string
	Source     chain.Source
	Ledger     storage.LedgerStore
	Blocks     storage.BlockRepository // optional; keeps the reorg window across restarts
	Cursor     cursor.Manager
	Reconciler *reorg.Reconciler
	Tracker    *confirm.Tracker
	Aggregator *balance.Aggregator
	Emitter    emitter.Emitter
	Alerter    alert.Alerter
	Mirror     CursorPublisher

	// StartBlock is the first block to ingest when no cursor exists.
	// Zero starts at the current chain head.
	StartBlock uint64
	QueueSize  int
	StoreRetry *recovery.ExponentialBackoff
	// RetryDelay is the pause after the source gives up before trying again.
	RetryDelay time.Duration
	Logger     *slog.Logger
}
