package chain

import (
	"context"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

// Source is the boundary between the pipeline and a chain node. Delivery
// is at-least-once: a block number may be delivered again with a different
// hash after a reorg, but events inside one block keep log-index order.
type Source interface {
	// ChainID returns the configured chain identifier.
	ChainID() string

	// NativeSymbol is the currency assigned to Transfer events.
	NativeSymbol() string

	// LatestBlockNumber returns the node's current head.
	LatestBlockNumber(ctx context.Context) (uint64, error)

	// HeaderAt returns the node's authoritative header for a height.
	HeaderAt(ctx context.Context, number uint64) (*domain.BlockHeader, error)

	// BlockAt returns the header plus the contract events of a height.
	BlockAt(ctx context.Context, number uint64) (*domain.Block, error)

	// WaitForHead blocks until the head is above after and returns it.
	WaitForHead(ctx context.Context, after uint64) (uint64, error)

	Close()
}
