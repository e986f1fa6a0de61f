package cursor

import (
	"errors"
	"time"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

// State is the ingestion phase recorded on the cursor.
type State = domain.CursorState

// ErrInvalidTransition is returned when SetState is asked for a move the
// ingestion lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// CanTransition reports whether the cursor may move from one phase to
// another. Halted is left only by an operator resync or a restart, both of
// which resume scanning; a rollback is entered only from scanning.
func CanTransition(from, to State) bool {
	switch to {
	case domain.CursorStateHalted:
		return from == domain.CursorStateInit ||
			from == domain.CursorStateScanning ||
			from == domain.CursorStateReorg
	case domain.CursorStateScanning:
		return from == domain.CursorStateInit ||
			from == domain.CursorStateReorg ||
			from == domain.CursorStateHalted
	case domain.CursorStateReorg:
		return from == domain.CursorStateScanning
	}
	return false
}

// Transition is one recorded phase change, kept for status output and
// the state-change callback.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

func NewTransition(from, to State, reason string) Transition {
	return Transition{From: from, To: to, Reason: reason, Timestamp: time.Now()}
}

// IsValid reports whether the lifecycle allows this change.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription explains a phase to an operator reading `status`.
func StateDescription(s State) string {
	switch s {
	case domain.CursorStateInit:
		return "anchored, no block ingested since the last start or resync"
	case domain.CursorStateScanning:
		return "ingesting blocks in order"
	case domain.CursorStateReorg:
		return "rolled back to a common ancestor, replaying the new branch"
	case domain.CursorStateHalted:
		return "stopped on a fatal error; fix the cause, then restart or reset-cursor"
	default:
		return "unknown"
	}
}
