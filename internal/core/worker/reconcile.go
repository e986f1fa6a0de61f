package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/remitwatch/internal/indexing/alert"
	"github.com/vietddude/remitwatch/internal/indexing/balance"
	"github.com/vietddude/remitwatch/internal/indexing/metrics"
	"github.com/vietddude/remitwatch/internal/infra/storage"
)

// Quiescer runs fn while no ledger write is in flight.
type Quiescer interface {
	Quiesce(ctx context.Context, fn func(ctx context.Context) error) error
}

// BalanceVerifier periodically compares the running balances with a full
// recompute from the ledger and repairs them on drift.
type BalanceVerifier struct {
	chainID    string
	interval   time.Duration
	aggregator *balance.Aggregator
	ledger     storage.LedgerStore
	quiescer   Quiescer
	alerter    alert.Alerter
	log        *slog.Logger
}

// NewBalanceVerifier creates a verifier. A zero interval disables it.
func NewBalanceVerifier(
	chainID string,
	interval time.Duration,
	agg *balance.Aggregator,
	ledger storage.LedgerStore,
	quiescer Quiescer,
	alerter alert.Alerter,
) *BalanceVerifier {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &BalanceVerifier{
		chainID:    chainID,
		interval:   interval,
		aggregator: agg,
		ledger:     ledger,
		quiescer:   quiescer,
		alerter:    alerter,
		log:        slog.Default().With("component", "balance-verifier", "chain", chainID),
	}
}

// Start runs the verification loop until ctx is done.
func (v *BalanceVerifier) Start(ctx context.Context) {
	if v.interval <= 0 {
		return
	}

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Check(ctx); err != nil && ctx.Err() == nil {
				v.log.Error("Balance verification failed", "error", err)
			}
		}
	}
}

// Check runs one verification and returns the drifted entries it repaired.
func (v *BalanceVerifier) Check(ctx context.Context) ([]balance.Drift, error) {
	var drifts []balance.Drift
	run := func(ctx context.Context) error {
		var err error
		drifts, err = v.aggregator.Verify(ctx, v.ledger)
		if err != nil || len(drifts) == 0 {
			return err
		}
		return v.aggregator.Recompute(ctx, v.ledger)
	}

	var err error
	if v.quiescer != nil {
		err = v.quiescer.Quiesce(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return nil, err
	}
	if len(drifts) == 0 {
		v.log.Debug("Balances verified")
		return nil, nil
	}

	metrics.BalanceDrift.WithLabelValues(v.chainID).Add(float64(len(drifts)))
	for _, d := range drifts {
		v.log.Warn("Balance drift repaired",
			"address", d.Address,
			"currency", d.Currency,
			"had", d.Have.Confirmed.String(),
			"want", d.Want.Confirmed.String(),
			"hadPending", d.Have.Pending.String(),
			"wantPending", d.Want.Pending.String(),
		)
	}
	if err := v.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeBalanceDrift,
		Chain:   v.chainID,
		Title:   "balance drift repaired",
		Message: fmt.Sprintf("%d balance entries differed from the ledger", len(drifts)),
	}); err != nil {
		v.log.Warn("alert delivery failed", "error", err)
	}
	return drifts, nil
}
