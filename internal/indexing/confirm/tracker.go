// Package confirm promotes Pending ledger records to Confirmed once they
// are buried under enough blocks.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// DefaultConfirmations is the depth K used when unset.
const DefaultConfirmations = 12

// CanonicalHashes reports the accepted hash at a height, if retained.
type CanonicalHashes interface {
	CanonicalHash(number uint64) (string, bool)
}

// Tracker buffers Pending record ids per block until the processed head is
// at least K blocks past them.
type Tracker struct {
	confirmations uint64
	ledger        storage.LedgerStore
	canonical     CanonicalHashes

	mu      sync.Mutex
	pending map[uint64]map[string]string // blockNum -> id -> blockHash
	head    atomic.Uint64
}

// NewTracker creates a tracker that confirms at depth >= confirmations.
func NewTracker(ledger storage.LedgerStore, canonical CanonicalHashes, confirmations uint64) *Tracker {
	return &Tracker{
		confirmations: confirmations,
		ledger:        ledger,
		canonical:     canonical,
		pending:       make(map[uint64]map[string]string),
	}
}

// Seed rebuilds the pending index from the ledger after a restart.
func (t *Tracker) Seed(ctx context.Context) error {
	return t.ledger.Scan(ctx, func(tx domain.CanonicalTransaction) error {
		if tx.Status == domain.TxStatusPending {
			t.track(tx.BlockNumber, tx.ID, tx.BlockHash)
		}
		return nil
	})
}

// Observe updates the index from a ledger write.
func (t *Tracker) Observe(change domain.Change) {
	if prev := change.Previous; prev != nil {
		t.untrack(prev.BlockNumber, prev.ID)
	}
	cur := change.Current
	if cur.Status == domain.TxStatusPending {
		t.track(cur.BlockNumber, cur.ID, cur.BlockHash)
	}
}

// OnHead records the processed head and confirms every buffered record at
// depth >= K whose block hash is still canonical.
func (t *Tracker) OnHead(ctx context.Context, head uint64) ([]domain.Change, error) {
	t.head.Store(head)
	if head < t.confirmations {
		return nil, nil
	}
	safeBlock := head - t.confirmations

	t.mu.Lock()
	var blocks []uint64
	for blockNum := range t.pending {
		if blockNum <= safeBlock {
			blocks = append(blocks, blockNum)
		}
	}
	t.mu.Unlock()
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	var changes []domain.Change
	for _, blockNum := range blocks {
		for _, entry := range t.snapshot(blockNum) {
			if hash, ok := t.canonical.CanonicalHash(blockNum); ok && hash != entry.hash {
				// Stale branch: the next rollback marks it Reorged.
				t.untrack(blockNum, entry.id)
				continue
			}

			change, err := t.ledger.Transition(ctx, entry.id, domain.TxStatusConfirmed)
			switch {
			case err == nil:
				changes = append(changes, change)
				t.untrack(blockNum, entry.id)
			case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, storage.ErrNotFound):
				t.untrack(blockNum, entry.id)
			default:
				return changes, fmt.Errorf("%w: confirm %s: %v", domain.ErrStoreWrite, entry.id, err)
			}
		}
	}
	return changes, nil
}

// Discard drops buffered ids at or above fromBlock. It is called after a
// rollback; the replayed records are observed again.
func (t *Tracker) Discard(fromBlock uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for blockNum := range t.pending {
		if blockNum >= fromBlock {
			delete(t.pending, blockNum)
		}
	}
}

// Head returns the last processed head passed to OnHead.
func (t *Tracker) Head() uint64 {
	return t.head.Load()
}

// Outstanding returns how many records are waiting for confirmation.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, ids := range t.pending {
		n += len(ids)
	}
	return n
}

func (t *Tracker) buffered(blockNum uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[blockNum])
}

type entry struct {
	id   string
	hash string
}

func (t *Tracker) snapshot(blockNum uint64) []entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.pending[blockNum]
	out := make([]entry, 0, len(ids))
	for id, hash := range ids {
		out = append(out, entry{id: id, hash: hash})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (t *Tracker) track(blockNum uint64, id, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids, ok := t.pending[blockNum]
	if !ok {
		ids = make(map[string]string)
		t.pending[blockNum] = ids
	}
	ids[id] = hash
}

func (t *Tracker) untrack(blockNum uint64, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids, ok := t.pending[blockNum]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(t.pending, blockNum)
	}
}
