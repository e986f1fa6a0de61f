package domain

import (
	"fmt"
	"math/big"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TxStatus
		want     bool
	}{
		{TxStatusPending, TxStatusConfirmed, true},
		{TxStatusPending, TxStatusReorged, true},
		{TxStatusPending, TxStatusFailed, true},
		{TxStatusConfirmed, TxStatusReorged, true},
		{TxStatusReorged, TxStatusPending, true},
		{TxStatusReorged, TxStatusFailed, true},

		{TxStatusConfirmed, TxStatusPending, false},
		{TxStatusConfirmed, TxStatusFailed, false},
		{TxStatusReorged, TxStatusConfirmed, false},
		{TxStatusFailed, TxStatusPending, false},
		{TxStatusFailed, TxStatusConfirmed, false},
		{TxStatusFailed, TxStatusReorged, false},
		{TxStatusPending, TxStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestMergeStatus(t *testing.T) {
	tests := []struct {
		name               string
		existing, incoming TxStatus
		want               TxStatus
	}{
		{"re-observed pending", TxStatusPending, TxStatusPending, TxStatusPending},
		{"reorged reinstated", TxStatusReorged, TxStatusPending, TxStatusPending},
		{"confirmed never regresses", TxStatusConfirmed, TxStatusPending, TxStatusConfirmed},
		{"failed is terminal", TxStatusFailed, TxStatusPending, TxStatusFailed},
		{"pending learns revert", TxStatusPending, TxStatusFailed, TxStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MergeStatus(tt.existing, tt.incoming); got != tt.want {
				t.Errorf("MergeStatus(%s, %s) = %s, want %s", tt.existing, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestTransactionID(t *testing.T) {
	if got := TransactionID("0xabc", 3); got != "0xabc-3" {
		t.Errorf("TransactionID = %s, want 0xabc-3", got)
	}
}

func TestChangeNoop(t *testing.T) {
	tx := CanonicalTransaction{ID: "0x1-0", Amount: big.NewInt(5), Status: TxStatusPending}
	prev := tx.Clone()

	if !(Change{Previous: &prev, Current: tx}).Noop() {
		t.Error("identical re-observation should be a no-op")
	}

	moved := tx.Clone()
	moved.Status = TxStatusConfirmed
	if (Change{Previous: &prev, Current: moved}).Noop() {
		t.Error("status change must not be a no-op")
	}
	if (Change{Current: tx}).Noop() {
		t.Error("first observation must not be a no-op")
	}
}
