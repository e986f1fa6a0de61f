// Package reorg keeps the ledger on the canonical branch.
//
// # Design: Hash Window
//
// The reconciler remembers the last N accepted (block number → hash) pairs.
// Detection needs no extra RPC on the happy path:
//   - A delivered block N carries its parent hash
//   - Compare it with the retained hash for N-1
//   - If they match, the block extends the canonical chain
//
// # Rollback Process
//
//  1. Parent hash mismatch (or a new hash at a retained height)
//  2. Walk backwards comparing retained hashes with the source's
//     authoritative hash until they agree (the common ancestor)
//  3. Mark every ledger record above the ancestor as Reorged
//  4. Truncate the window and move the cursor to the ancestor
//  5. Ingestion replays from ancestor+1
//
// A fork that reaches past the oldest retained entry is ErrReorgTooDeep:
// ingestion halts and an operator resyncs from a trusted checkpoint.
//
// # Usage
//
//	rec := reorg.NewReconciler(reorg.Config{Window: 64}, chainID, source, ledger, cursorMgr)
//	rec.Seed(cursor.BlockNumber, cursor.BlockHash)
//
//	out, err := rec.Reconcile(ctx, block.BlockHeader)
//	if out.Decision == reorg.DecisionReorg {
//	    // replay from out.Info.FromBlock
//	}
//	rec.Accept(block.BlockHeader)
package reorg

import (
	"context"
	"fmt"

	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// DefaultWindow is the number of block hashes retained when unset.
const DefaultWindow = 64

// HeaderSource returns the authoritative header at a height.
type HeaderSource interface {
	HeaderAt(ctx context.Context, number uint64) (*domain.BlockHeader, error)
}

// Config holds configuration for reorg detection.
type Config struct {
	Window int `yaml:"window"` // retained block hashes (default: 64)
}

// TooDeepError reports a fork that could not be resolved inside the window.
type TooDeepError struct {
	Block  uint64
	Lowest uint64
	Window int
}

func (e *TooDeepError) Error() string {
	return fmt.Sprintf("fork at block %d reaches below retained block %d (window %d)",
		e.Block, e.Lowest, e.Window)
}

func (e *TooDeepError) Unwrap() error { return domain.ErrReorgTooDeep }

// NewDetector creates a new reorg detector over a hash window.
func NewDetector(window *Window, source HeaderSource) *Detector {
	return &Detector{
		window: window,
		source: source,
	}
}

// NewHandler creates a new reorg handler.
func NewHandler(chainID string, window *Window, ledger storage.LedgerStore, cursorMgr cursor.Manager) *Handler {
	return &Handler{
		chainID:   chainID,
		window:    window,
		ledger:    ledger,
		cursorMgr: cursorMgr,
	}
}
