package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist.
	ErrCursorNotFound = storage.ErrCursorNotFound

	// ErrBlockGap is returned when a gap is detected during Advance.
	ErrBlockGap = errors.New("block gap detected")

	// ErrCursorHalted is returned when trying to advance a halted cursor.
	ErrCursorHalted = errors.New("cursor is halted")

	// ErrCursorInReorg is returned when trying to advance during reorg.
	ErrCursorInReorg = errors.New("cursor is in reorg state")

	// ErrHashMismatch is returned when a processed block number is
	// re-advanced with a different hash without a rollback.
	ErrHashMismatch = errors.New("cursor hash mismatch")
)

// Manager handles cursor operations with state machine enforcement.
type Manager interface {
	// Get retrieves the current cursor for a chain.
	Get(ctx context.Context, chainID string) (*domain.Cursor, error)

	// Initialize creates a new cursor at the last already-processed block.
	Initialize(ctx context.Context, chainID string, block uint64, hash string) (*domain.Cursor, error)

	// Advance moves cursor forward (validates sequential).
	Advance(ctx context.Context, chainID string, blockNumber uint64, blockHash string) error

	// SetState transitions cursor to new state (validates transition).
	SetState(ctx context.Context, chainID string, newState State, reason string) error

	// Rollback moves cursor back for reorg (transitions to REORG state).
	Rollback(ctx context.Context, chainID string, safeBlock uint64, safeHash string) error

	// Halt stops ingestion after a fatal error. The position is left intact.
	Halt(ctx context.Context, chainID string, reason string) error

	// Reset rewrites the position from a trusted checkpoint (operator resync).
	Reset(ctx context.Context, chainID string, block uint64, hash string) error

	// GetMetrics returns performance metrics for a chain.
	GetMetrics(chainID string) Metrics

	// SetStateChangeCallback registers callback for state changes.
	SetStateChangeCallback(fn func(chainID string, t Transition))
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo             storage.CursorRepository
	mu               sync.RWMutex
	stateCallback    func(string, Transition)
	blockTimeHistory map[string]*MetricsCollector
}

// Get retrieves the current cursor for a chain.
func (m *DefaultManager) Get(ctx context.Context, chainID string) (*domain.Cursor, error) {
	return m.repo.Get(ctx, chainID)
}

// Initialize creates a new cursor positioned at an already-processed block.
func (m *DefaultManager) Initialize(
	ctx context.Context,
	chainID string,
	block uint64,
	hash string,
) (*domain.Cursor, error) {
	cursor := &domain.Cursor{
		ChainID:     chainID,
		BlockNumber: block,
		BlockHash:   hash,
		UpdatedAt:   time.Now(),
		State:       domain.CursorStateInit,
	}

	if err := m.repo.Save(ctx, cursor); err != nil {
		return nil, fmt.Errorf("failed to save cursor: %w", err)
	}

	m.collector(chainID)
	return cursor, nil
}

// Advance moves cursor forward after processing a block.
func (m *DefaultManager) Advance(
	ctx context.Context,
	chainID string,
	blockNumber uint64,
	blockHash string,
) error {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	switch cursor.State {
	case domain.CursorStateHalted:
		return ErrCursorHalted
	case domain.CursorStateReorg:
		return ErrCursorInReorg
	}

	// Duplicate delivery of the block we already hold.
	if blockNumber == cursor.BlockNumber {
		if blockHash == cursor.BlockHash {
			return nil
		}
		return fmt.Errorf(
			"%w: cursor at %d with hash %s, got hash %s",
			ErrHashMismatch,
			cursor.BlockNumber,
			cursor.BlockHash,
			blockHash,
		)
	}

	expectedBlock := cursor.BlockNumber + 1
	if blockNumber != expectedBlock {
		return fmt.Errorf("%w: expected block %d, got %d", ErrBlockGap, expectedBlock, blockNumber)
	}

	if err := m.repo.UpdateBlock(ctx, chainID, blockNumber, blockHash); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	m.collector(chainID).RecordBlock(blockNumber, time.Now())
	return nil
}

// SetState transitions cursor to a new state.
func (m *DefaultManager) SetState(
	ctx context.Context,
	chainID string,
	newState State,
	reason string,
) error {
	cursor, err := m.repo.Get(ctx, chainID)
	if err != nil {
		return fmt.Errorf("failed to get cursor: %w", err)
	}
	if cursor.State == newState {
		return nil
	}

	if !CanTransition(cursor.State, newState) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			cursor.State,
			newState,
		)
	}

	if err := m.repo.UpdateState(ctx, chainID, newState); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	m.recordTransition(chainID, NewTransition(cursor.State, newState, reason))
	return nil
}

// Rollback moves cursor back for reorg handling.
func (m *DefaultManager) Rollback(
	ctx context.Context,
	chainID string,
	safeBlock uint64,
	safeHash string,
) error {
	if err := m.SetState(ctx, chainID, domain.CursorStateReorg,
		fmt.Sprintf("rollback to block %d", safeBlock)); err != nil {
		return err
	}

	if err := m.repo.Rollback(ctx, chainID, safeBlock, safeHash); err != nil {
		return fmt.Errorf("failed to rollback cursor: %w", err)
	}

	return nil
}

// Halt parks the cursor after a fatal error.
func (m *DefaultManager) Halt(ctx context.Context, chainID string, reason string) error {
	return m.SetState(ctx, chainID, domain.CursorStateHalted, reason)
}

// Reset overwrites the cursor position. It bypasses the state machine
// because it is only reachable from the operator CLI.
func (m *DefaultManager) Reset(ctx context.Context, chainID string, block uint64, hash string) error {
	prev, err := m.repo.Get(ctx, chainID)
	if err != nil && !errors.Is(err, ErrCursorNotFound) {
		return fmt.Errorf("failed to get cursor: %w", err)
	}

	cursor := &domain.Cursor{
		ChainID:     chainID,
		BlockNumber: block,
		BlockHash:   hash,
		State:       domain.CursorStateInit,
		UpdatedAt:   time.Now(),
	}
	if err := m.repo.Save(ctx, cursor); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	if prev != nil {
		m.recordTransition(chainID, NewTransition(prev.State, domain.CursorStateInit,
			fmt.Sprintf("operator reset to block %d", block)))
	}
	return nil
}

// GetMetrics returns performance metrics for a chain.
func (m *DefaultManager) GetMetrics(chainID string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if collector, ok := m.blockTimeHistory[chainID]; ok {
		return collector.GetMetrics()
	}

	return Metrics{}
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(chainID string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

func (m *DefaultManager) collector(chainID string) *MetricsCollector {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.blockTimeHistory[chainID]
	if !ok {
		c = NewMetricsCollector(100)
		m.blockTimeHistory[chainID] = c
	}
	return c
}

func (m *DefaultManager) recordTransition(chainID string, t Transition) {
	m.collector(chainID).RecordTransition(t)

	m.mu.RLock()
	cb := m.stateCallback
	m.mu.RUnlock()
	if cb != nil {
		cb(chainID, t)
	}
}
