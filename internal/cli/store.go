package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/vietddude/remitwatch/internal/core/config"
	"github.com/vietddude/remitwatch/internal/infra/storage/postgres"
)

// openDB connects to the configured database. Operator commands need a
// durable store; the in-memory store only lives inside the service.
func openDB(ctx context.Context, cfg *config.AppConfig) *postgres.DB {
	if cfg.Database.URL == "" {
		slog.Error("Command requires a database", "error", errors.New("database.url is not set"))
		os.Exit(1)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		slog.Error("Failed to migrate database", "error", err)
		os.Exit(1)
	}
	return db
}
