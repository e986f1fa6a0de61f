package domain

import "errors"

// TxStatus is the lifecycle state of a CanonicalTransaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "Pending"
	TxStatusConfirmed TxStatus = "Confirmed"
	TxStatusReorged   TxStatus = "Reorged"
	TxStatusFailed    TxStatus = "Failed"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions defines allowed status changes.
// Failed has no entry: it is terminal.
var ValidTransitions = map[TxStatus][]TxStatus{
	TxStatusPending:   {TxStatusConfirmed, TxStatusReorged, TxStatusFailed},
	TxStatusConfirmed: {TxStatusReorged},
	TxStatusReorged:   {TxStatusPending, TxStatusFailed},
}

// CanTransition checks if a status change from one state to another is valid.
func CanTransition(from, to TxStatus) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s TxStatus) Valid() bool {
	switch s {
	case TxStatusPending, TxStatusConfirmed, TxStatusReorged, TxStatusFailed:
		return true
	}
	return false
}

// MergeStatus resolves the status of a re-observed record. incoming is the
// status a fresh observation carries (Pending, or Failed for a reverted
// transaction). A re-observation never moves a record backwards.
func MergeStatus(existing, incoming TxStatus) TxStatus {
	if existing == incoming {
		return existing
	}
	if CanTransition(existing, incoming) {
		return incoming
	}
	return existing
}
