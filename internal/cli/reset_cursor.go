package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/remitwatch/internal/core/cursor"
	"github.com/vietddude/remitwatch/internal/indexing/indexer"
	"github.com/vietddude/remitwatch/internal/infra/chain/evm"
	redisclient "github.com/vietddude/remitwatch/internal/infra/redis"
	"github.com/vietddude/remitwatch/internal/infra/storage/postgres"
)

var (
	resetBlock uint64
	resetHash  string
)

var resetCursorCmd = &cobra.Command{
	Use:   "reset-cursor",
	Short: "Rewrite the cursor to a trusted checkpoint",
	Long: `Rewrite the cursor to (block, hash). Ingestion resumes at block+1.
Ledger records above the checkpoint are marked Reorged and replay rebuilds
them from the canonical chain. Stop the service before running this.
When --hash is omitted the hash is read from the configured node.`,
	Run: runResetCursor,
}

func init() {
	resetCursorCmd.Flags().Uint64Var(&resetBlock, "block", 0, "last processed block number")
	resetCursorCmd.Flags().StringVar(&resetHash, "hash", "", "hash of that block")
	_ = resetCursorCmd.MarkFlagRequired("block")
	rootCmd.AddCommand(resetCursorCmd)
}

func runResetCursor(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	chainID := cfg.Chain.ID

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	hash := resetHash
	if hash == "" {
		backoff := cfg.Chain.Backoff
		src, err := evm.Dial(ctx, evm.Config{
			ChainID:         chainID,
			RPCURL:          cfg.Chain.RPCURL,
			ContractAddress: cfg.Chain.ContractAddress,
			RequestTimeout:  cfg.Chain.RequestTimeout,
			Backoff:         &backoff,
		})
		if err != nil {
			slog.Error("Failed to connect to chain", "error", err)
			os.Exit(1)
		}
		header, err := src.HeaderAt(ctx, resetBlock)
		src.Close()
		if err != nil {
			slog.Error("Failed to fetch block header", "block", resetBlock, "error", err)
			os.Exit(1)
		}
		hash = header.Hash
	}

	db := openDB(ctx, cfg)
	defer func() {
		_ = db.Close()
	}()

	resync := &indexer.Resync{
		ChainID: chainID,
		Ledger:  postgres.NewLedgerRepo(db, chainID),
		Cursor:  cursor.NewManager(postgres.NewCursorRepo(db)),
		Blocks:  postgres.NewBlockRepo(db),
	}
	if cfg.Redis.Enabled() {
		if client, err := redisclient.NewClient(cfg.Redis); err != nil {
			slog.Warn("Redis unavailable, mirror and incidents left as is", "error", err)
		} else {
			defer func() {
				_ = client.Close()
			}()
			resync.Mirror = redisclient.NewCursorMirror(client)
			resync.Incidents = redisclient.NewIncidentRepo(client, chainID)
		}
	}

	res, err := resync.Run(ctx, resetBlock, hash)
	if err != nil {
		slog.Error("Failed to reset cursor", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset cursor for %s to block %d (%s)\n", chainID, resetBlock, hash)
	fmt.Printf("Marked %d records above the checkpoint as Reorged, resolved %d incidents\n",
		len(res.Reorged), res.Resolved)
}
