package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

var _ storage.LedgerStore = (*LedgerRepo)(nil)

const txColumns = `id, tx_hash, log_index, from_address, to_address, amount::TEXT AS amount,
	currency, block_number, block_hash, block_time, status`

// LedgerRepo implements storage.LedgerStore for one chain. Each write runs
// in its own transaction and locks only the rows it touches.
type LedgerRepo struct {
	db      *DB
	chainID string
}

// NewLedgerRepo creates a ledger repository scoped to chainID.
func NewLedgerRepo(db *DB, chainID string) *LedgerRepo {
	return &LedgerRepo{db: db, chainID: chainID}
}

type ledgerRow struct {
	ID          string `db:"id"`
	TxHash      string `db:"tx_hash"`
	LogIndex    int64  `db:"log_index"`
	From        string `db:"from_address"`
	To          string `db:"to_address"`
	Amount      string `db:"amount"`
	Currency    string `db:"currency"`
	BlockNumber int64  `db:"block_number"`
	BlockHash   string `db:"block_hash"`
	BlockTime   int64  `db:"block_time"`
	Status      string `db:"status"`
}

func (r *ledgerRow) toDomain() (domain.CanonicalTransaction, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return domain.CanonicalTransaction{}, fmt.Errorf("corrupt amount %q for %s", r.Amount, r.ID)
	}
	return domain.CanonicalTransaction{
		ID:          r.ID,
		TxHash:      r.TxHash,
		LogIndex:    uint(r.LogIndex),
		From:        r.From,
		To:          r.To,
		Amount:      amount,
		Currency:    r.Currency,
		BlockNumber: uint64(r.BlockNumber),
		BlockHash:   r.BlockHash,
		Timestamp:   uint64(r.BlockTime),
		Status:      domain.TxStatus(r.Status),
	}, nil
}

// Put upserts a record, merging its status with the stored one.
func (r *LedgerRepo) Put(ctx context.Context, tx domain.CanonicalTransaction) (domain.Change, error) {
	if tx.ID == "" {
		return domain.Change{}, fmt.Errorf("%w: empty id", domain.ErrStoreWrite)
	}
	if tx.Amount == nil || tx.Amount.Sign() < 0 {
		return domain.Change{}, fmt.Errorf("%w: invalid amount for %s", domain.ErrStoreWrite, tx.ID)
	}

	var change domain.Change
	err := r.inTx(ctx, func(dbtx *sqlx.Tx) error {
		prev, err := r.lock(ctx, dbtx, tx.ID)
		if err != nil {
			return err
		}

		next := tx.Clone()
		if prev != nil {
			next.Status = domain.MergeStatus(prev.Status, tx.Status)
		}

		query := `
			INSERT INTO transactions (
				chain_id, id, tx_hash, log_index, from_address, to_address, amount,
				currency, block_number, block_hash, block_time, status, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10, $11, $12, NOW())
			ON CONFLICT (chain_id, id) DO UPDATE SET
				tx_hash = EXCLUDED.tx_hash,
				log_index = EXCLUDED.log_index,
				from_address = EXCLUDED.from_address,
				to_address = EXCLUDED.to_address,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				block_number = EXCLUDED.block_number,
				block_hash = EXCLUDED.block_hash,
				block_time = EXCLUDED.block_time,
				status = EXCLUDED.status,
				updated_at = EXCLUDED.updated_at
		`
		_, err = dbtx.ExecContext(ctx, query,
			r.chainID, next.ID, next.TxHash, int64(next.LogIndex), next.From, next.To,
			next.Amount.String(), next.Currency, int64(next.BlockNumber), next.BlockHash,
			int64(next.Timestamp), string(next.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert transaction: %w", err)
		}

		change = domain.Change{Previous: prev, Current: next}
		return nil
	})
	if err != nil {
		return domain.Change{}, fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	return change, nil
}

// Get retrieves a record by id.
func (r *LedgerRepo) Get(ctx context.Context, id string) (*domain.CanonicalTransaction, error) {
	var row ledgerRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+txColumns+` FROM transactions WHERE chain_id = $1 AND id = $2`,
		r.chainID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	tx, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListByAddress returns records sent or received by address, newest first.
func (r *LedgerRepo) ListByAddress(ctx context.Context, address string) ([]domain.CanonicalTransaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE chain_id = $1 AND (from_address = $2 OR to_address = $2)
		ORDER BY block_number DESC, log_index DESC
	`
	return r.selectRows(ctx, query, r.chainID, address)
}

// ListByBlockRange returns records in [from, to], oldest first.
func (r *LedgerRepo) ListByBlockRange(ctx context.Context, from, to uint64) ([]domain.CanonicalTransaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM transactions
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number, log_index
	`
	return r.selectRows(ctx, query, r.chainID, int64(from), int64(to))
}

// Rollback marks every live record at or above blockNumber as Reorged.
func (r *LedgerRepo) Rollback(ctx context.Context, blockNumber uint64) ([]domain.Change, error) {
	var live []string
	for from := range domain.ValidTransitions {
		if domain.CanTransition(from, domain.TxStatusReorged) {
			live = append(live, string(from))
		}
	}

	var changes []domain.Change
	err := r.inTx(ctx, func(dbtx *sqlx.Tx) error {
		query := `
			SELECT ` + txColumns + `
			FROM transactions
			WHERE chain_id = $1 AND block_number >= $2 AND status = ANY($3)
			ORDER BY block_number, log_index
			FOR UPDATE
		`
		var rows []ledgerRow
		if err := dbtx.SelectContext(ctx, &rows, query, r.chainID, int64(blockNumber), pq.Array(live)); err != nil {
			return fmt.Errorf("failed to select rollback set: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		_, err := dbtx.ExecContext(ctx, `
			UPDATE transactions SET status = $4, updated_at = NOW()
			WHERE chain_id = $1 AND block_number >= $2 AND status = ANY($3)
		`, r.chainID, int64(blockNumber), pq.Array(live), string(domain.TxStatusReorged))
		if err != nil {
			return fmt.Errorf("failed to mark reorged: %w", err)
		}

		for i := range rows {
			prev, err := rows[i].toDomain()
			if err != nil {
				return err
			}
			cur := prev.Clone()
			cur.Status = domain.TxStatusReorged
			changes = append(changes, domain.Change{Previous: &prev, Current: cur})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	return changes, nil
}

// Transition moves one record to a new status.
func (r *LedgerRepo) Transition(ctx context.Context, id string, to domain.TxStatus) (domain.Change, error) {
	var change domain.Change
	err := r.inTx(ctx, func(dbtx *sqlx.Tx) error {
		prev, err := r.lock(ctx, dbtx, id)
		if err != nil {
			return err
		}
		if prev == nil {
			return storage.ErrNotFound
		}
		if !domain.CanTransition(prev.Status, to) {
			return fmt.Errorf("%w: %s -> %s for %s", domain.ErrInvalidTransition, prev.Status, to, id)
		}

		_, err = dbtx.ExecContext(ctx,
			`UPDATE transactions SET status = $3, updated_at = NOW() WHERE chain_id = $1 AND id = $2`,
			r.chainID, id, string(to))
		if err != nil {
			return fmt.Errorf("%w: failed to update status: %w", domain.ErrStoreWrite, err)
		}

		cur := prev.Clone()
		cur.Status = to
		change = domain.Change{Previous: prev, Current: cur}
		return nil
	})
	return change, err
}

// Scan streams every record of the chain to fn.
func (r *LedgerRepo) Scan(ctx context.Context, fn func(domain.CanonicalTransaction) error) error {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE chain_id = $1`, r.chainID)
	if err != nil {
		return fmt.Errorf("failed to scan transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row ledgerRow
		if err := rows.StructScan(&row); err != nil {
			return fmt.Errorf("failed to read transaction: %w", err)
		}
		tx, err := row.toDomain()
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *LedgerRepo) lock(ctx context.Context, dbtx *sqlx.Tx, id string) (*domain.CanonicalTransaction, error) {
	var row ledgerRow
	err := dbtx.GetContext(ctx, &row,
		`SELECT `+txColumns+` FROM transactions WHERE chain_id = $1 AND id = $2 FOR UPDATE`,
		r.chainID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock transaction: %w", err)
	}
	tx, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r *LedgerRepo) selectRows(ctx context.Context, query string, args ...any) ([]domain.CanonicalTransaction, error) {
	var rows []ledgerRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]domain.CanonicalTransaction, 0, len(rows))
	for i := range rows {
		tx, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (r *LedgerRepo) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	dbtx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	if err := fn(dbtx); err != nil {
		return err
	}
	return dbtx.Commit()
}
