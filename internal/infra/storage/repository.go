package storage

import (
	"context"
	"errors"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrNotFound is returned for unknown transaction ids.
	ErrNotFound = domain.ErrNotFound
)

// LedgerStore is durable keyed storage for canonical transactions.
// A single ingestion writer calls the mutating methods; readers may run
// concurrently and always observe whole records.
type LedgerStore interface {
	// Put upserts on ID. Every field is overwritten except Status, which is
	// merged with domain.MergeStatus.
	Put(ctx context.Context, tx domain.CanonicalTransaction) (domain.Change, error)

	// Get retrieves a record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.CanonicalTransaction, error)

	// ListByAddress returns records where address is sender or recipient,
	// newest block first.
	ListByAddress(ctx context.Context, address string) ([]domain.CanonicalTransaction, error)

	// ListByBlockRange returns records with from <= BlockNumber <= to,
	// ordered by block then log index.
	ListByBlockRange(ctx context.Context, from, to uint64) ([]domain.CanonicalTransaction, error)

	// Rollback marks every record at or above blockNumber as Reorged.
	Rollback(ctx context.Context, blockNumber uint64) ([]domain.Change, error)

	// Transition moves one record to a new status, validated by the
	// status state machine.
	Transition(ctx context.Context, id string, to domain.TxStatus) (domain.Change, error)

	// Scan calls fn for every record. Order is unspecified.
	Scan(ctx context.Context, fn func(domain.CanonicalTransaction) error) error
}

// CursorRepository handles cursor storage operations
type CursorRepository interface {
	// Get retrieves the cursor for a chain
	Get(ctx context.Context, chainID string) (*domain.Cursor, error)

	// Save creates or overwrites the cursor
	Save(ctx context.Context, cursor *domain.Cursor) error

	// UpdateBlock moves the cursor to a processed block
	UpdateBlock(ctx context.Context, chainID string, blockNumber uint64, blockHash string) error

	// UpdateState changes the cursor state
	UpdateState(ctx context.Context, chainID string, state domain.CursorState) error

	// Rollback moves the cursor back to a common ancestor
	Rollback(ctx context.Context, chainID string, blockNumber uint64, blockHash string) error
}

// BlockRepository keeps the headers of recently accepted blocks so the reorg
// window can be rebuilt after a restart.
type BlockRepository interface {
	// Save records an accepted header, replacing any header at its height.
	Save(ctx context.Context, chainID string, header domain.BlockHeader) error

	// Recent returns at most limit headers at or below upTo, lowest first.
	Recent(ctx context.Context, chainID string, upTo uint64, limit int) ([]domain.BlockHeader, error)

	// DeleteFrom removes headers at or above blockNumber.
	DeleteFrom(ctx context.Context, chainID string, blockNumber uint64) error

	// DeleteBelow removes headers below blockNumber.
	DeleteBelow(ctx context.Context, chainID string, blockNumber uint64) error
}
