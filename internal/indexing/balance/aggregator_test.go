package balance

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage/memory"
)

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
	addrC = "0x00000000000000000000000000000000000000cc"
)

func tx(txHash string, block uint64, hash, from, to string, amount int64) domain.CanonicalTransaction {
	return domain.CanonicalTransaction{
		ID:          domain.TransactionID(txHash, 0),
		TxHash:      txHash,
		From:        from,
		To:          to,
		Amount:      big.NewInt(amount),
		Currency:    "ETH",
		BlockNumber: block,
		BlockHash:   hash,
		Status:      domain.TxStatusPending,
	}
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	ledger *memory.LedgerRepo
	agg    *Aggregator
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:      t,
		ctx:    context.Background(),
		ledger: memory.NewLedgerRepo(memory.NewMemoryStorage()),
		agg:    NewAggregator(),
	}
}

func (h *harness) put(c domain.CanonicalTransaction) {
	change, err := h.ledger.Put(h.ctx, c)
	require.NoError(h.t, err)
	h.agg.Apply(change)
}

func (h *harness) confirm(id string) {
	change, err := h.ledger.Transition(h.ctx, id, domain.TxStatusConfirmed)
	require.NoError(h.t, err)
	h.agg.Apply(change)
}

func (h *harness) rollback(block uint64) {
	changes, err := h.ledger.Rollback(h.ctx, block)
	require.NoError(h.t, err)
	h.agg.ApplyAll(changes)
}

func (h *harness) confirmed(addr string) string {
	b, _ := h.agg.Balance(addr, "ETH")
	return b.Confirmed.String()
}

func (h *harness) pending(addr string) string {
	b, _ := h.agg.Balance(addr, "ETH")
	return b.Pending.String()
}

func (h *harness) confirmedSum(addrs ...string) *big.Int {
	sum := new(big.Int)
	for _, a := range addrs {
		b, _ := h.agg.Balance(a, "ETH")
		sum.Add(sum, b.Confirmed)
	}
	return sum
}

func TestAggregator_PendingThenConfirmed(t *testing.T) {
	h := newHarness(t)
	h.put(tx("0x1", 100, "0xh100", addrA, addrB, 500))

	assert.Equal(t, "0", h.confirmed(addrB))
	assert.Equal(t, "500", h.pending(addrB))
	assert.Equal(t, "-500", h.pending(addrA))

	h.confirm(domain.TransactionID("0x1", 0))

	assert.Equal(t, "500", h.confirmed(addrB))
	assert.Equal(t, "-500", h.confirmed(addrA))
	assert.Equal(t, "0", h.pending(addrB))
}

func TestAggregator_Idempotent(t *testing.T) {
	h := newHarness(t)
	c := tx("0x1", 100, "0xh100", addrA, addrB, 500)
	h.put(c)
	h.confirm(c.ID)
	h.put(c)
	h.put(c)

	assert.Equal(t, "500", h.confirmed(addrB))
	assert.Equal(t, "0", h.pending(addrB))
}

func TestAggregator_ConservationAcrossReorgs(t *testing.T) {
	h := newHarness(t)
	transfers := []domain.CanonicalTransaction{
		tx("0x1", 10, "0xA", addrA, addrB, 300),
		tx("0x2", 11, "0xB", addrB, addrC, 120),
		tx("0x3", 12, "0xC", addrC, addrA, 75),
	}
	for _, c := range transfers {
		h.put(c)
		h.confirm(c.ID)
	}
	before := map[string]string{addrA: h.confirmed(addrA), addrB: h.confirmed(addrB), addrC: h.confirmed(addrC)}
	assert.Equal(t, 0, h.confirmedSum(addrA, addrB, addrC).Sign())

	// Fork away blocks 11 and 12, then settle back on the same branch.
	h.rollback(11)
	assert.Equal(t, 0, h.confirmedSum(addrA, addrB, addrC).Sign())
	assert.Equal(t, "-300", h.confirmed(addrA))

	for _, c := range transfers[1:] {
		h.put(c)
		h.confirm(c.ID)
	}

	assert.Equal(t, 0, h.confirmedSum(addrA, addrB, addrC).Sign())
	for addr, want := range before {
		assert.Equal(t, want, h.confirmed(addr), addr)
	}

	drifts, err := h.agg.Verify(h.ctx, h.ledger)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}

func TestAggregator_CurrenciesAreSeparate(t *testing.T) {
	h := newHarness(t)
	usdx := tx("0x1", 10, "0xA", addrA, addrB, 40)
	usdx.Currency = "USDX"
	h.put(usdx)
	h.put(tx("0x2", 10, "0xA", addrA, addrB, 7))

	b, ok := h.agg.Balance(addrB, "USDX")
	require.True(t, ok)
	assert.Equal(t, "40", b.Pending.String())
	assert.Equal(t, "7", h.pending(addrB))
}

func TestAggregator_UnknownAddress(t *testing.T) {
	h := newHarness(t)
	_, ok := h.agg.Balance(addrC, "ETH")
	assert.False(t, ok)
}

func TestAggregator_RecomputeRepairsDrift(t *testing.T) {
	h := newHarness(t)
	c := tx("0x1", 10, "0xA", addrA, addrB, 10)
	h.put(c)
	h.confirm(c.ID)

	// Simulate a lost update.
	h.agg.Apply(domain.Change{Current: tx("0x9", 10, "0xA", addrA, addrB, 99)})

	drifts, err := h.agg.Verify(h.ctx, h.ledger)
	require.NoError(t, err)
	assert.NotEmpty(t, drifts)

	require.NoError(t, h.agg.Recompute(h.ctx, h.ledger))
	assert.Equal(t, "10", h.confirmed(addrB))
	assert.Equal(t, "0", h.pending(addrB))

	drifts, err = h.agg.Verify(h.ctx, h.ledger)
	require.NoError(t, err)
	assert.Empty(t, drifts)
}
