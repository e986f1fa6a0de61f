package reorg

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// Handler executes reorg rollback operations.
type Handler struct {
	chainID   string
	window    *Window
	ledger    storage.LedgerStore
	cursorMgr cursor.Manager
}

// RollbackResult contains the result of a rollback operation.
type RollbackResult struct {
	ChainID   string
	FromBlock uint64
	SafeBlock uint64
	Depth     int
	Changes   []domain.Change
	Duration  time.Duration
}

// Rollback executes the reorg rollback process:
// 1. Mark ledger records at or above FromBlock as Reorged
// 2. Forget replaced hashes
// 3. Move the cursor to the common ancestor
func (h *Handler) Rollback(ctx context.Context, info *ReorgInfo) (*RollbackResult, error) {
	start := time.Now()

	changes, err := h.ledger.Rollback(ctx, info.FromBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: rollback from block %d: %v", domain.ErrStoreWrite, info.FromBlock, err)
	}

	h.window.TruncateAbove(info.SafeBlock)

	if err := h.cursorMgr.Rollback(ctx, h.chainID, info.SafeBlock, info.SafeHash); err != nil {
		return nil, fmt.Errorf("%w: rollback cursor to block %d: %v", domain.ErrStoreWrite, info.SafeBlock, err)
	}

	return &RollbackResult{
		ChainID:   h.chainID,
		FromBlock: info.FromBlock,
		SafeBlock: info.SafeBlock,
		Depth:     info.Depth,
		Changes:   changes,
		Duration:  time.Since(start),
	}, nil
}
