package emitter

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/vietddude/remitwatch/internal/core/domain"
)

// Emitter publishes ledger status changes to the notification side.
type Emitter interface {
	// Emit publishes the status-changing entries of a batch.
	Emit(ctx context.Context, changes []domain.Change) error

	// Close flushes and closes the emitter connection
	Close() error
}

// Event is the wire form of one status change.
type Event struct {
	TransactionID  string `json:"transactionId"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	Status         string `json:"status"`
	BlockNumber    uint64 `json:"blockNumber"`
	BlockHash      string `json:"blockHash"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	From           string `json:"from"`
	To             string `json:"to"`
}

// NewEvent converts a change into its wire form.
func NewEvent(c domain.Change) Event {
	ev := Event{
		TransactionID: c.Current.ID,
		Status:        string(c.Current.Status),
		BlockNumber:   c.Current.BlockNumber,
		BlockHash:     c.Current.BlockHash,
		Currency:      c.Current.Currency,
		From:          c.Current.From,
		To:            c.Current.To,
	}
	if c.Current.Amount != nil {
		ev.Amount = c.Current.Amount.String()
	}
	if c.Previous != nil {
		ev.PreviousStatus = string(c.Previous.Status)
	}
	return ev
}

// statusEvents keeps only changes a notifier cares about.
func statusEvents(changes []domain.Change) []Event {
	var events []Event
	for _, c := range changes {
		if !c.StatusChanged() {
			continue
		}
		events = append(events, NewEvent(c))
	}
	return events
}

// LogEmitter writes status changes to the log. Used when no broker is
// configured.
type LogEmitter struct {
	log *slog.Logger
}

func NewLogEmitter(log *slog.Logger) *LogEmitter {
	return &LogEmitter{log: log.With("component", "emitter")}
}

func (e *LogEmitter) Emit(ctx context.Context, changes []domain.Change) error {
	for _, ev := range statusEvents(changes) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		e.log.InfoContext(ctx, "status change",
			"id", ev.TransactionID,
			"from", ev.PreviousStatus,
			"to", ev.Status,
			"payload", string(payload),
		)
	}
	return nil
}

func (e *LogEmitter) Close() error { return nil }
