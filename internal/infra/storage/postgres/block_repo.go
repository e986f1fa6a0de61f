package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

var _ storage.BlockRepository = (*BlockRepo)(nil)

// BlockRepo implements storage.BlockRepository using PostgreSQL.
type BlockRepo struct {
	db *DB
}

// NewBlockRepo creates a new PostgreSQL block repository.
func NewBlockRepo(db *DB) *BlockRepo {
	return &BlockRepo{db: db}
}

type blockRow struct {
	Number     int64  `db:"block_number"`
	Hash       string `db:"block_hash"`
	ParentHash string `db:"parent_hash"`
	Timestamp  int64  `db:"block_time"`
}

func (b blockRow) toDomain() domain.BlockHeader {
	return domain.BlockHeader{
		Number:     uint64(b.Number),
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  uint64(b.Timestamp),
	}
}

// Save upserts the header at its height.
func (r *BlockRepo) Save(ctx context.Context, chainID string, header domain.BlockHeader) error {
	query := `
		INSERT INTO blocks (chain_id, block_number, block_hash, parent_hash, block_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chain_id, block_number) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			parent_hash = EXCLUDED.parent_hash,
			block_time = EXCLUDED.block_time
	`
	_, err := r.db.ExecContext(ctx, query,
		chainID, int64(header.Number), header.Hash, header.ParentHash, int64(header.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

// Recent returns the newest limit headers at or below upTo, lowest first.
func (r *BlockRepo) Recent(ctx context.Context, chainID string, upTo uint64, limit int) ([]domain.BlockHeader, error) {
	query := `
		SELECT block_number, block_hash, parent_hash, block_time FROM (
			SELECT block_number, block_hash, parent_hash, block_time
			FROM blocks
			WHERE chain_id = $1 AND block_number <= $2
			ORDER BY block_number DESC
			LIMIT $3
		) recent
		ORDER BY block_number ASC
	`
	if limit <= 0 {
		limit = 1 << 30
	}
	var rows []blockRow
	if err := r.db.SelectContext(ctx, &rows, query, chainID, int64(upTo), limit); err != nil {
		return nil, fmt.Errorf("failed to load recent blocks: %w", err)
	}
	out := make([]domain.BlockHeader, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// DeleteFrom deletes headers at or above blockNumber.
func (r *BlockRepo) DeleteFrom(ctx context.Context, chainID string, blockNumber uint64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE chain_id = $1 AND block_number >= $2`, chainID, int64(blockNumber))
	if err != nil {
		return fmt.Errorf("failed to delete blocks: %w", err)
	}
	return nil
}

// DeleteBelow deletes headers below blockNumber.
func (r *BlockRepo) DeleteBelow(ctx context.Context, chainID string, blockNumber uint64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM blocks WHERE chain_id = $1 AND block_number < $2`, chainID, int64(blockNumber))
	if err != nil {
		return fmt.Errorf("failed to prune blocks: %w", err)
	}
	return nil
}
