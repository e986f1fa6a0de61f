package confirm

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/infra/storage/memory"
)

type canonicalMap map[uint64]string

func (m canonicalMap) CanonicalHash(n uint64) (string, bool) {
	h, ok := m[n]
	return h, ok
}

func pendingTx(id string, block uint64, hash string) domain.CanonicalTransaction {
	return domain.CanonicalTransaction{
		ID:          id,
		TxHash:      id,
		From:        "0x00000000000000000000000000000000000000a1",
		To:          "0x00000000000000000000000000000000000000b2",
		Amount:      big.NewInt(1),
		Currency:    "ETH",
		BlockNumber: block,
		BlockHash:   hash,
		Status:      domain.TxStatusPending,
	}
}

func setup(t *testing.T, k uint64, canon canonicalMap, txs ...domain.CanonicalTransaction) (*Tracker, *memory.LedgerRepo) {
	t.Helper()
	ledger := memory.NewLedgerRepo(memory.NewMemoryStorage())
	tracker := NewTracker(ledger, canon, k)
	for _, tx := range txs {
		change, err := ledger.Put(context.Background(), tx)
		require.NoError(t, err)
		tracker.Observe(change)
	}
	return tracker, ledger
}

func TestTracker_PromotesAtDepth(t *testing.T) {
	ctx := context.Background()
	tracker, ledger := setup(t, 10, canonicalMap{},
		pendingTx("event1", 100, "0x100"),
		pendingTx("event2", 101, "0x101"),
	)
	assert.Equal(t, 1, tracker.buffered(100))
	assert.Equal(t, 2, tracker.Outstanding())

	// 105 - 100 = 5 < 10
	changes, err := tracker.OnHead(ctx, 105)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// 110 - 100 = 10 >= 10; 110 - 101 = 9 < 10
	changes, err = tracker.OnHead(ctx, 110)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "event1", changes[0].Current.ID)
	assert.Equal(t, domain.TxStatusPending, changes[0].Previous.Status)
	assert.Equal(t, domain.TxStatusConfirmed, changes[0].Current.Status)

	assert.Equal(t, 0, tracker.buffered(100))
	assert.Equal(t, 1, tracker.buffered(101))
	assert.Equal(t, 1, tracker.Outstanding())

	got, err := ledger.Get(ctx, "event2")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPending, got.Status)
	assert.Equal(t, uint64(110), tracker.Head())
}

func TestTracker_SkipsNonCanonical(t *testing.T) {
	ctx := context.Background()
	tracker, ledger := setup(t, 2, canonicalMap{100: "0xnew"},
		pendingTx("stale", 100, "0xold"),
	)

	changes, err := tracker.OnHead(ctx, 105)
	require.NoError(t, err)
	assert.Empty(t, changes)

	got, err := ledger.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusPending, got.Status)
}

func TestTracker_Discard(t *testing.T) {
	tracker, _ := setup(t, 10, canonicalMap{},
		pendingTx("a", 100, "0x100"),
		pendingTx("b", 101, "0x101"),
	)

	tracker.Discard(101)

	assert.Equal(t, 1, tracker.buffered(100))
	assert.Equal(t, 0, tracker.buffered(101))
}

func TestTracker_ObserveUntracksResolved(t *testing.T) {
	ctx := context.Background()
	tracker, ledger := setup(t, 10, canonicalMap{}, pendingTx("a", 100, "0x100"))

	changes, err := ledger.Rollback(ctx, 100)
	require.NoError(t, err)
	for _, c := range changes {
		tracker.Observe(c)
	}
	assert.Equal(t, 0, tracker.buffered(100))
}

// Absent a reorg, repeated heads never pull a confirmed record back.
func TestTracker_Monotonic(t *testing.T) {
	ctx := context.Background()
	tracker, ledger := setup(t, 1, canonicalMap{}, pendingTx("a", 100, "0x100"))

	for head := uint64(100); head < 110; head++ {
		_, err := tracker.OnHead(ctx, head)
		require.NoError(t, err)

		change, err := ledger.Put(ctx, pendingTx("a", 100, "0x100"))
		require.NoError(t, err)
		tracker.Observe(change)

		got, err := ledger.Get(ctx, "a")
		require.NoError(t, err)
		if head >= 101 {
			assert.Equal(t, domain.TxStatusConfirmed, got.Status, "head %d", head)
		}
	}
}

func TestTracker_Seed(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedgerRepo(memory.NewMemoryStorage())
	_, err := ledger.Put(ctx, pendingTx("a", 100, "0x100"))
	require.NoError(t, err)
	_, err = ledger.Put(ctx, pendingTx("b", 100, "0x100"))
	require.NoError(t, err)
	_, err = ledger.Transition(ctx, "b", domain.TxStatusConfirmed)
	require.NoError(t, err)

	tracker := NewTracker(ledger, canonicalMap{}, 12)
	require.NoError(t, tracker.Seed(ctx))
	assert.Equal(t, 1, tracker.buffered(100))
}
