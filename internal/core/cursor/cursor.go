// Package cursor tracks the resumption point of the ingestion pipeline.
//
// # Purpose
//
// The cursor is the last fully processed block, persisted as
// (block number, block hash). On restart ingestion resumes at the block
// after it. Re-delivery of a few blocks is harmless because ledger writes
// are idempotent.
//
// # Key Features
//
// State Machine - Only allows valid transitions:
//
//	INIT → SCANNING → REORG → SCANNING (valid)
//	SCANNING → HALTED → SCANNING (operator resync)
//	HALTED → REORG (invalid)
//
// Gap Detection - Advance(1005) on a cursor at 1000 returns ErrBlockGap.
//
// Reorg Safety - Rollback moves the cursor to the common ancestor and
// records the REORG transition.
//
// # Quick Start
//
//	manager := cursor.NewManager(cursorRepo)
//
//	c, _ := manager.Initialize(ctx, "ethereum", 999, "0xparent...")
//	manager.SetState(ctx, "ethereum", cursor.StateScanning, "pipeline started")
//
//	manager.Advance(ctx, "ethereum", 1000, "0xabc...")  // ✓ OK
//	manager.Advance(ctx, "ethereum", 1005, "0xdef...")  // ✗ ErrBlockGap
//
//	manager.Rollback(ctx, "ethereum", 995, "0xsafe...")
//	manager.Halt(ctx, "ethereum", "reorg too deep")
//
// # Package Structure
//
//   - state.go   - State machine definitions and valid transitions
//   - manager.go - Manager implementation with gap detection, rollback
//   - metrics.go - Throughput, rollback count and phase history
package cursor

import (
	"time"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// Cursor represents the resumption point for a chain.
type Cursor = domain.Cursor

// CursorState represents the current state of the cursor.
type CursorState = domain.CursorState

// State constants re-exported for convenience.
const (
	StateInit     = domain.CursorStateInit
	StateScanning = domain.CursorStateScanning
	StateReorg    = domain.CursorStateReorg
	StateHalted   = domain.CursorStateHalted
)

// NewManager creates a new cursor manager with the given repository.
func NewManager(repo storage.CursorRepository) *DefaultManager {
	return &DefaultManager{
		repo:             repo,
		blockTimeHistory: make(map[string]*MetricsCollector),
	}
}

// NewMetricsCollector creates a collector averaging over the last
// windowSize advances.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize < 2 {
		windowSize = 100
	}
	return &MetricsCollector{advances: make([]time.Time, windowSize)}
}
