package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

const shardCount = 32

type shard struct {
	mu   sync.RWMutex
	recs map[string]*domain.CanonicalTransaction
}

// MemoryStorage keeps ledger records in hash-sharded maps so writers only
// contend on the shard holding the key. Secondary indexes have their own lock.
type MemoryStorage struct {
	shards [shardCount]*shard

	idxMu     sync.RWMutex
	byAddress map[string]map[string]struct{}
	byBlock   map[uint64]map[string]struct{}

	cursorMu sync.RWMutex
	cursors  map[string]*domain.Cursor

	blockMu sync.RWMutex
	blocks  map[string]map[uint64]domain.BlockHeader
}

func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{
		byAddress: make(map[string]map[string]struct{}),
		byBlock:   make(map[uint64]map[string]struct{}),
		cursors:   make(map[string]*domain.Cursor),
		blocks:    make(map[string]map[uint64]domain.BlockHeader),
	}
	for i := range s.shards {
		s.shards[i] = &shard{recs: make(map[string]*domain.CanonicalTransaction)}
	}
	return s
}

func (s *MemoryStorage) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%shardCount]
}

// -----------------------------------------------------------------------------
// Ledger Repository
// -----------------------------------------------------------------------------

type LedgerRepo struct {
	store *MemoryStorage
}

var _ storage.LedgerStore = (*LedgerRepo)(nil)

func NewLedgerRepo(store *MemoryStorage) *LedgerRepo {
	return &LedgerRepo{store: store}
}

func (r *LedgerRepo) Put(ctx context.Context, tx domain.CanonicalTransaction) (domain.Change, error) {
	if tx.ID == "" {
		return domain.Change{}, fmt.Errorf("%w: empty id", domain.ErrStoreWrite)
	}
	if tx.Amount == nil || tx.Amount.Sign() < 0 {
		return domain.Change{}, fmt.Errorf("%w: invalid amount for %s", domain.ErrStoreWrite, tx.ID)
	}

	sh := r.store.shardFor(tx.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next := tx.Clone()
	var prev *domain.CanonicalTransaction
	if existing, ok := sh.recs[tx.ID]; ok {
		p := existing.Clone()
		prev = &p
		next.Status = domain.MergeStatus(existing.Status, tx.Status)
	}

	sh.recs[tx.ID] = &next
	r.store.reindex(prev, next)

	return domain.Change{Previous: prev, Current: next.Clone()}, nil
}

func (r *LedgerRepo) Get(ctx context.Context, id string) (*domain.CanonicalTransaction, error) {
	sh := r.store.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.recs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := rec.Clone()
	return &c, nil
}

func (r *LedgerRepo) ListByAddress(ctx context.Context, address string) ([]domain.CanonicalTransaction, error) {
	r.store.idxMu.RLock()
	ids := keys(r.store.byAddress[address])
	r.store.idxMu.RUnlock()

	out := r.store.load(ids)
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].LogIndex > out[j].LogIndex
	})
	return out, nil
}

func (r *LedgerRepo) ListByBlockRange(ctx context.Context, from, to uint64) ([]domain.CanonicalTransaction, error) {
	if from > to {
		return nil, nil
	}

	r.store.idxMu.RLock()
	var ids []string
	for num, set := range r.store.byBlock {
		if num >= from && num <= to {
			ids = append(ids, keys(set)...)
		}
	}
	r.store.idxMu.RUnlock()

	out := r.store.load(ids)
	sortAscending(out)
	return out, nil
}

func (r *LedgerRepo) Rollback(ctx context.Context, blockNumber uint64) ([]domain.Change, error) {
	r.store.idxMu.RLock()
	var ids []string
	for num, set := range r.store.byBlock {
		if num >= blockNumber {
			ids = append(ids, keys(set)...)
		}
	}
	r.store.idxMu.RUnlock()

	var changes []domain.Change
	for _, id := range ids {
		change, ok := r.transition(id, domain.TxStatusReorged)
		if ok {
			changes = append(changes, change)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		a, b := changes[i].Current, changes[j].Current
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	return changes, nil
}

func (r *LedgerRepo) Transition(ctx context.Context, id string, to domain.TxStatus) (domain.Change, error) {
	sh := r.store.shardFor(id)
	sh.mu.RLock()
	rec, ok := sh.recs[id]
	var from domain.TxStatus
	if ok {
		from = rec.Status
	}
	sh.mu.RUnlock()

	if !ok {
		return domain.Change{}, storage.ErrNotFound
	}
	change, applied := r.transition(id, to)
	if !applied {
		return domain.Change{}, fmt.Errorf("%w: %s -> %s for %s", domain.ErrInvalidTransition, from, to, id)
	}
	return change, nil
}

func (r *LedgerRepo) transition(id string, to domain.TxStatus) (domain.Change, bool) {
	sh := r.store.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.recs[id]
	if !ok || !domain.CanTransition(rec.Status, to) {
		return domain.Change{}, false
	}
	prev := rec.Clone()
	rec.Status = to
	return domain.Change{Previous: &prev, Current: rec.Clone()}, true
}

func (r *LedgerRepo) Scan(ctx context.Context, fn func(domain.CanonicalTransaction) error) error {
	for _, sh := range r.store.shards {
		sh.mu.RLock()
		batch := make([]domain.CanonicalTransaction, 0, len(sh.recs))
		for _, rec := range sh.recs {
			batch = append(batch, rec.Clone())
		}
		sh.mu.RUnlock()

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *MemoryStorage) reindex(prev *domain.CanonicalTransaction, next domain.CanonicalTransaction) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	if prev != nil {
		if prev.BlockNumber != next.BlockNumber {
			remove(s.byBlock, prev.BlockNumber, prev.ID)
		}
		if prev.From != next.From && prev.From != next.To {
			remove(s.byAddress, prev.From, prev.ID)
		}
		if prev.To != next.To && prev.To != next.From {
			remove(s.byAddress, prev.To, prev.ID)
		}
	}
	add(s.byBlock, next.BlockNumber, next.ID)
	add(s.byAddress, next.From, next.ID)
	add(s.byAddress, next.To, next.ID)
}

func (s *MemoryStorage) load(ids []string) []domain.CanonicalTransaction {
	out := make([]domain.CanonicalTransaction, 0, len(ids))
	for _, id := range ids {
		sh := s.shardFor(id)
		sh.mu.RLock()
		if rec, ok := sh.recs[id]; ok {
			out = append(out, rec.Clone())
		}
		sh.mu.RUnlock()
	}
	return out
}

func add[K comparable](idx map[K]map[string]struct{}, k K, id string) {
	set, ok := idx[k]
	if !ok {
		set = make(map[string]struct{})
		idx[k] = set
	}
	set[id] = struct{}{}
}

func remove[K comparable](idx map[K]map[string]struct{}, k K, id string) {
	set, ok := idx[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, k)
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func sortAscending(txs []domain.CanonicalTransaction) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].BlockNumber != txs[j].BlockNumber {
			return txs[i].BlockNumber < txs[j].BlockNumber
		}
		return txs[i].LogIndex < txs[j].LogIndex
	})
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(ctx context.Context, chainID string) (*domain.Cursor, error) {
	r.store.cursorMu.RLock()
	defer r.store.cursorMu.RUnlock()
	if c, ok := r.store.cursors[chainID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, storage.ErrCursorNotFound
}

func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	r.store.cursorMu.Lock()
	defer r.store.cursorMu.Unlock()
	cp := *cursor
	r.store.cursors[cursor.ChainID] = &cp
	return nil
}

func (r *CursorRepo) UpdateBlock(ctx context.Context, chainID string, num uint64, hash string) error {
	r.store.cursorMu.Lock()
	defer r.store.cursorMu.Unlock()
	if c, ok := r.store.cursors[chainID]; ok {
		c.BlockNumber = num
		c.BlockHash = hash
		c.UpdatedAt = time.Now()
		return nil
	}
	return storage.ErrCursorNotFound
}

func (r *CursorRepo) UpdateState(ctx context.Context, chainID string, state domain.CursorState) error {
	r.store.cursorMu.Lock()
	defer r.store.cursorMu.Unlock()
	if c, ok := r.store.cursors[chainID]; ok {
		c.State = state
		c.UpdatedAt = time.Now()
		return nil
	}
	return storage.ErrCursorNotFound
}

func (r *CursorRepo) Rollback(ctx context.Context, chainID string, num uint64, hash string) error {
	return r.UpdateBlock(ctx, chainID, num, hash)
}

// -----------------------------------------------------------------------------
// Block Repository
// -----------------------------------------------------------------------------

var _ storage.BlockRepository = (*BlockRepo)(nil)

type BlockRepo struct {
	store *MemoryStorage
}

func NewBlockRepo(store *MemoryStorage) *BlockRepo {
	return &BlockRepo{store: store}
}

func (r *BlockRepo) Save(ctx context.Context, chainID string, header domain.BlockHeader) error {
	r.store.blockMu.Lock()
	defer r.store.blockMu.Unlock()
	chain, ok := r.store.blocks[chainID]
	if !ok {
		chain = make(map[uint64]domain.BlockHeader)
		r.store.blocks[chainID] = chain
	}
	chain[header.Number] = header
	return nil
}

func (r *BlockRepo) Recent(ctx context.Context, chainID string, upTo uint64, limit int) ([]domain.BlockHeader, error) {
	r.store.blockMu.RLock()
	defer r.store.blockMu.RUnlock()

	var out []domain.BlockHeader
	for n, h := range r.store.blocks[chainID] {
		if n <= upTo {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *BlockRepo) DeleteFrom(ctx context.Context, chainID string, num uint64) error {
	r.store.blockMu.Lock()
	defer r.store.blockMu.Unlock()
	for n := range r.store.blocks[chainID] {
		if n >= num {
			delete(r.store.blocks[chainID], n)
		}
	}
	return nil
}

func (r *BlockRepo) DeleteBelow(ctx context.Context, chainID string, num uint64) error {
	r.store.blockMu.Lock()
	defer r.store.blockMu.Unlock()
	for n := range r.store.blocks[chainID] {
		if n < num {
			delete(r.store.blocks[chainID], n)
		}
	}
	return nil
}
