// Package balance keeps running per-address totals over the ledger.
package balance

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

type key struct {
	address  string
	currency string
}

type totals struct {
	confirmed *big.Int
	pending   *big.Int
}

// Aggregator maintains balances incrementally from ledger changes.
// Confirmed records feed the confirmed bucket and Pending records the
// pending bucket; Reorged and Failed records contribute nothing.
type Aggregator struct {
	mu     sync.RWMutex
	totals map[key]*totals
	known  map[string]struct{}
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		totals: make(map[key]*totals),
		known:  make(map[string]struct{}),
	}
}

// Apply folds one ledger change into the totals. The previous version's
// contribution is removed before the current one is added, so re-applying
// an identical write is a no-op.
func (a *Aggregator) Apply(change domain.Change) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if change.Previous != nil {
		a.contribute(*change.Previous, -1)
	}
	a.contribute(change.Current, +1)
}

// ApplyAll applies changes in order.
func (a *Aggregator) ApplyAll(changes []domain.Change) {
	for _, c := range changes {
		a.Apply(c)
	}
}

func (a *Aggregator) contribute(tx domain.CanonicalTransaction, sign int) {
	a.known[tx.From] = struct{}{}
	a.known[tx.To] = struct{}{}

	if tx.Amount == nil {
		return
	}
	var bucket func(*totals) *big.Int
	switch tx.Status {
	case domain.TxStatusConfirmed:
		bucket = func(t *totals) *big.Int { return t.confirmed }
	case domain.TxStatusPending:
		bucket = func(t *totals) *big.Int { return t.pending }
	default:
		return
	}

	delta := new(big.Int).Set(tx.Amount)
	if sign < 0 {
		delta.Neg(delta)
	}
	to := bucket(a.entry(tx.To, tx.Currency))
	to.Add(to, delta)
	from := bucket(a.entry(tx.From, tx.Currency))
	from.Sub(from, delta)
}

func (a *Aggregator) entry(address, currency string) *totals {
	k := key{address: address, currency: currency}
	t, ok := a.totals[k]
	if !ok {
		t = &totals{confirmed: new(big.Int), pending: new(big.Int)}
		a.totals[k] = t
	}
	return t
}

// Balance returns a snapshot for address in currency. ok is false when the
// address has never appeared in the ledger.
func (a *Aggregator) Balance(address, currency string) (domain.Balance, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	b := domain.Balance{
		Address:   address,
		Currency:  currency,
		Confirmed: new(big.Int),
		Pending:   new(big.Int),
	}
	if t, ok := a.totals[key{address: address, currency: currency}]; ok {
		b.Confirmed.Set(t.confirmed)
		b.Pending.Set(t.pending)
	}
	_, ok := a.known[address]
	return b, ok
}

// Snapshot returns every non-empty balance, sorted by address then currency.
func (a *Aggregator) Snapshot() []domain.Balance {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]domain.Balance, 0, len(a.totals))
	for k, t := range a.totals {
		if t.confirmed.Sign() == 0 && t.pending.Sign() == 0 {
			continue
		}
		out = append(out, domain.Balance{
			Address:   k.address,
			Currency:  k.currency,
			Confirmed: new(big.Int).Set(t.confirmed),
			Pending:   new(big.Int).Set(t.pending),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}

// Recompute rebuilds every total from the ledger and swaps it in.
func (a *Aggregator) Recompute(ctx context.Context, ledger storage.LedgerStore) error {
	fresh, err := build(ctx, ledger)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.totals = fresh.totals
	a.known = fresh.known
	a.mu.Unlock()
	return nil
}

// Drift is one (address, currency) whose incremental total disagrees with
// a full recompute.
type Drift struct {
	Address  string
	Currency string
	Have     domain.Balance
	Want     domain.Balance
}

// Verify recomputes from the ledger and reports totals that drifted. It
// does not modify the aggregator.
func (a *Aggregator) Verify(ctx context.Context, ledger storage.LedgerStore) ([]Drift, error) {
	fresh, err := build(ctx, ledger)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	keys := make(map[key]struct{})
	for k := range a.totals {
		keys[k] = struct{}{}
	}
	for k := range fresh.totals {
		keys[k] = struct{}{}
	}

	var drifts []Drift
	for k := range keys {
		have := snapshotOf(a.totals[k], k)
		want := snapshotOf(fresh.totals[k], k)
		if have.Confirmed.Cmp(want.Confirmed) != 0 || have.Pending.Cmp(want.Pending) != 0 {
			drifts = append(drifts, Drift{Address: k.address, Currency: k.currency, Have: have, Want: want})
		}
	}
	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].Address != drifts[j].Address {
			return drifts[i].Address < drifts[j].Address
		}
		return drifts[i].Currency < drifts[j].Currency
	})
	return drifts, nil
}

func build(ctx context.Context, ledger storage.LedgerStore) (*Aggregator, error) {
	fresh := NewAggregator()
	err := ledger.Scan(ctx, func(tx domain.CanonicalTransaction) error {
		fresh.contribute(tx, +1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return fresh, nil
}

func snapshotOf(t *totals, k key) domain.Balance {
	b := domain.Balance{Address: k.address, Currency: k.currency, Confirmed: new(big.Int), Pending: new(big.Int)}
	if t != nil {
		b.Confirmed.Set(t.confirmed)
		b.Pending.Set(t.pending)
	}
	return b
}
