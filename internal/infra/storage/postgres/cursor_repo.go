package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

var _ storage.CursorRepository = (*CursorRepo)(nil)

// CursorRepo implements storage.CursorRepository using PostgreSQL.
type CursorRepo struct {
	db *DB
}

// NewCursorRepo creates a new PostgreSQL cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

type cursorRow struct {
	ChainID     string    `db:"chain_id"`
	BlockNumber int64     `db:"block_number"`
	BlockHash   string    `db:"block_hash"`
	State       string    `db:"state"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Save creates or overwrites a cursor.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	query := `
		INSERT INTO cursors (chain_id, block_number, block_hash, state, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (chain_id) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			block_hash = EXCLUDED.block_hash,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		cursor.ChainID, int64(cursor.BlockNumber), cursor.BlockHash, string(cursor.State))
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Get retrieves a cursor by chain ID.
func (r *CursorRepo) Get(ctx context.Context, chainID string) (*domain.Cursor, error) {
	var row cursorRow
	err := r.db.GetContext(ctx, &row,
		`SELECT chain_id, block_number, block_hash, state, updated_at FROM cursors WHERE chain_id = $1`,
		chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	return &domain.Cursor{
		ChainID:     row.ChainID,
		BlockNumber: uint64(row.BlockNumber),
		BlockHash:   row.BlockHash,
		State:       domain.CursorState(row.State),
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// UpdateBlock moves the cursor to a processed block.
func (r *CursorRepo) UpdateBlock(ctx context.Context, chainID string, blockNumber uint64, blockHash string) error {
	return r.exec(ctx, "update cursor block",
		`UPDATE cursors SET block_number = $2, block_hash = $3, updated_at = NOW() WHERE chain_id = $1`,
		chainID, int64(blockNumber), blockHash)
}

// UpdateState updates cursor state.
func (r *CursorRepo) UpdateState(ctx context.Context, chainID string, state domain.CursorState) error {
	return r.exec(ctx, "update cursor state",
		`UPDATE cursors SET state = $2, updated_at = NOW() WHERE chain_id = $1`,
		chainID, string(state))
}

// Rollback moves the cursor back to a common ancestor.
func (r *CursorRepo) Rollback(ctx context.Context, chainID string, blockNumber uint64, blockHash string) error {
	return r.UpdateBlock(ctx, chainID, blockNumber, blockHash)
}

func (r *CursorRepo) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return storage.ErrCursorNotFound
	}
	return nil
}
