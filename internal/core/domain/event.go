package domain

// EventKind tags the on-chain event shape a RawEvent was decoded from.
type EventKind string

const (
	// EventKindTransaction carries an explicit currency field.
	EventKindTransaction EventKind = "Transaction"
	// EventKindTransfer has no currency field; the chain's native symbol applies.
	EventKindTransfer EventKind = "Transfer"
)

// Field names used in RawEvent.Fields.
const (
	FieldFrom     = "from"
	FieldTo       = "to"
	FieldAmount   = "amount"
	FieldCurrency = "currency"
)

// RawEvent is a chain-native log entry. It is never persisted.
type RawEvent struct {
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint
	Timestamp   uint64
	Kind        EventKind
	Fields      map[string]string
	// Reverted is set when the source exposes a failed execution status
	// for the enclosing transaction.
	Reverted bool
}
