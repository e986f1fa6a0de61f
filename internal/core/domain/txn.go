package domain

import (
	"math/big"
	"strconv"
)

// CanonicalTransaction is one logical transfer, keyed by TxHash and LogIndex.
type CanonicalTransaction struct {
	ID          string
	TxHash      string
	LogIndex    uint
	From        string
	To          string
	Amount      *big.Int
	Currency    string
	BlockNumber uint64
	BlockHash   string
	Timestamp   uint64
	Status      TxStatus
}

// TransactionID builds the composite record key.
func TransactionID(txHash string, logIndex uint) string {
	return txHash + "-" + strconv.FormatUint(uint64(logIndex), 10)
}

// Clone returns a deep copy so callers never share the amount pointer.
func (t CanonicalTransaction) Clone() CanonicalTransaction {
	c := t
	if t.Amount != nil {
		c.Amount = new(big.Int).Set(t.Amount)
	}
	return c
}

// Confirmations is the depth of the record below head.
func (t CanonicalTransaction) Confirmations(head uint64) uint64 {
	if head < t.BlockNumber {
		return 0
	}
	return head - t.BlockNumber
}

// SameContent reports whether two observations carry identical data,
// ignoring status.
func (t CanonicalTransaction) SameContent(o CanonicalTransaction) bool {
	if t.ID != o.ID || t.From != o.From || t.To != o.To ||
		t.Currency != o.Currency || t.BlockNumber != o.BlockNumber ||
		t.BlockHash != o.BlockHash || t.Timestamp != o.Timestamp {
		return false
	}
	if t.Amount == nil || o.Amount == nil {
		return t.Amount == o.Amount
	}
	return t.Amount.Cmp(o.Amount) == 0
}

// Change describes one write to the ledger. Previous is nil when the
// record was observed for the first time.
type Change struct {
	Previous *CanonicalTransaction
	Current  CanonicalTransaction
}

// StatusChanged reports whether the write moved the record to a new status.
func (c Change) StatusChanged() bool {
	return c.Previous == nil || c.Previous.Status != c.Current.Status
}

// Noop reports whether the write left the record exactly as it was.
func (c Change) Noop() bool {
	return c.Previous != nil && c.Previous.Status == c.Current.Status &&
		c.Previous.SameContent(c.Current)
}
