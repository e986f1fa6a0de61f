package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// IncidentQueue lists and resolves open incidents for one chain.
type IncidentQueue interface {
	List(ctx context.Context) ([]*domain.Incident, error)
	Resolve(ctx context.Context, id string) error
}

// Resync moves a chain back to an operator-trusted checkpoint. It must run
// while the pipeline is stopped.
type Resync struct {
	ChainID   string
	Ledger    storage.LedgerStore
	Cursor    cursor.Manager
	Blocks    storage.BlockRepository // optional
	Mirror    CursorPublisher         // optional
	Incidents IncidentQueue           // optional
	Logger    *slog.Logger
}

// ResyncResult reports what a resync changed.
type ResyncResult struct {
	Reorged  []domain.Change
	Resolved int
}

// Run marks every live record above block as Reorged, forgets stored block
// headers and rewrites the cursor to (block, hash). Replay then rebuilds the
// canonical records above the checkpoint. The ledger goes first so a failed
// run leaves the cursor where it was and can simply be repeated.
func (r *Resync) Run(ctx context.Context, block uint64, hash string) (*ResyncResult, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "resync", "chain", r.ChainID)

	changes, err := r.Ledger.Rollback(ctx, block+1)
	if err != nil {
		return nil, fmt.Errorf("roll back ledger above block %d: %w", block, err)
	}

	// Stored headers may belong to the abandoned branch at any height.
	if r.Blocks != nil {
		if err := r.Blocks.DeleteFrom(ctx, r.ChainID, 0); err != nil {
			return nil, fmt.Errorf("clear block headers: %w", err)
		}
	}

	if err := r.Cursor.Reset(ctx, r.ChainID, block, hash); err != nil {
		return nil, fmt.Errorf("reset cursor: %w", err)
	}
	log.Info("cursor reset", "block", block, "hash", hash, "reorged", len(changes))

	res := &ResyncResult{Reorged: changes}

	if r.Mirror != nil {
		c := &domain.Cursor{
			ChainID:     r.ChainID,
			BlockNumber: block,
			BlockHash:   hash,
			State:       domain.CursorStateInit,
			UpdatedAt:   time.Now(),
		}
		if err := r.Mirror.Publish(ctx, c); err != nil {
			log.Warn("cursor mirror publish failed", "error", err)
		}
	}

	if r.Incidents != nil {
		open, err := r.Incidents.List(ctx)
		if err != nil {
			log.Warn("failed to list incidents", "error", err)
			return res, nil
		}
		for _, inc := range open {
			if err := r.Incidents.Resolve(ctx, inc.ID); err != nil {
				log.Warn("failed to resolve incident", "id", inc.ID, "error", err)
				continue
			}
			res.Resolved++
		}
	}
	return res, nil
}
