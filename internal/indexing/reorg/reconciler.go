package reorg

import (
	"context"

	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// Reconciler ties detection to rollback for one chain.
type Reconciler struct {
	window   *Window
	detector *Detector
	handler  *Handler
}

// Outcome is the result of reconciling one delivered block.
type Outcome struct {
	Info     *ReorgInfo
	Rollback *RollbackResult
}

// NewReconciler wires a detector and handler over a shared window.
func NewReconciler(
	cfg Config,
	chainID string,
	source HeaderSource,
	ledger storage.LedgerStore,
	cursorMgr cursor.Manager,
) *Reconciler {
	window := NewWindow(cfg.Window)
	return &Reconciler{
		window:   window,
		detector: NewDetector(window, source),
		handler:  NewHandler(chainID, window, ledger, cursorMgr),
	}
}

// Seed records the resumption point so the first delivered block can be
// checked against it.
func (r *Reconciler) Seed(number uint64, hash string) {
	if hash == "" {
		return
	}
	r.window.Record(number, hash)
}

// WindowSize returns how many accepted blocks are retained at most.
func (r *Reconciler) WindowSize() int {
	return r.window.Size()
}

// Retained returns how many accepted blocks are currently retained.
func (r *Reconciler) Retained() int {
	return r.window.Len()
}

// Reconcile checks header and, on a fork, rolls the ledger back to the
// common ancestor.
func (r *Reconciler) Reconcile(ctx context.Context, header domain.BlockHeader) (*Outcome, error) {
	info, err := r.detector.Check(ctx, header)
	if err != nil {
		return nil, err
	}
	if info.Decision != DecisionReorg {
		return &Outcome{Info: info}, nil
	}

	result, err := r.handler.Rollback(ctx, info)
	if err != nil {
		return nil, err
	}
	return &Outcome{Info: info, Rollback: result}, nil
}

// Accept records a fully processed block as canonical.
func (r *Reconciler) Accept(header domain.BlockHeader) {
	r.window.Record(header.Number, header.Hash)
}

// CanonicalHash returns the accepted hash at number, if still retained.
func (r *Reconciler) CanonicalHash(number uint64) (string, bool) {
	return r.window.Hash(number)
}
