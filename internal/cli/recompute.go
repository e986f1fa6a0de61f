package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/remitwatch/internal/indexing/balance"
	"github.com/vietddude/remitwatch/internal/infra/storage/postgres"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute-balances",
	Short: "Recompute every balance from the ledger and print the totals",
	Run:   runRecompute,
}

func init() {
	rootCmd.AddCommand(recomputeCmd)
}

func runRecompute(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	agg := balance.NewAggregator()
	if err := agg.Recompute(ctx, postgres.NewLedgerRepo(db, cfg.Chain.ID)); err != nil {
		slog.Error("Failed to recompute balances", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ADDRESS\tCURRENCY\tCONFIRMED\tPENDING")
	for _, b := range agg.Snapshot() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.Address, b.Currency, b.Confirmed, b.Pending)
	}
	_ = w.Flush()
}
