package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/core/domain"
	redisclient "github.com/vietddude/remitwatch/internal/infra/redis"
	"github.com/vietddude/remitwatch/internal/infra/storage"
	"github.com/vietddude/remitwatch/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted cursor and open incidents",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	chainID := cfg.Chain.ID

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	cur, err := postgres.NewCursorRepo(db).Get(ctx, chainID)
	if err != nil && !errors.Is(err, storage.ErrCursorNotFound) {
		slog.Error("Failed to read cursor", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "CHAIN\tBLOCK\tHASH\tSTATE\tUPDATED\tMIRROR\tINCIDENTS")

	mirror, incidents := "-", "-"
	var open []*domain.Incident
	if cfg.Redis.Enabled() {
		if client, err := redisclient.NewClient(cfg.Redis); err != nil {
			slog.Warn("Redis unavailable", "error", err)
		} else {
			defer func() {
				_ = client.Close()
			}()
			if m, err := redisclient.NewCursorMirror(client).Get(ctx, chainID); err == nil && m != nil {
				mirror = fmt.Sprintf("%d/%s", m.Block, m.State)
			}
			if list, err := redisclient.NewIncidentRepo(client, chainID).List(ctx); err == nil {
				open = list
				incidents = fmt.Sprint(len(list))
			}
		}
	}

	if cur == nil {
		_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\t%s\t%s\n", chainID, mirror, incidents)
	} else {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			cur.ChainID, cur.BlockNumber, cur.BlockHash, cur.State,
			cur.UpdatedAt.Format(time.RFC3339), mirror, incidents)
	}
	_ = w.Flush()
	if cur != nil {
		fmt.Printf("\n%s: %s\n", cur.State, cursor.StateDescription(cur.State))
	}

	if len(open) == 0 {
		return
	}
	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "INCIDENT\tKIND\tBLOCK\tFATAL\tCREATED\tMESSAGE")
	for _, inc := range open {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\t%s\n",
			inc.ID, inc.Kind, inc.Block, inc.Fatal, inc.CreatedAt.Format(time.RFC3339), inc.Message)
	}
	_ = w.Flush()
}
