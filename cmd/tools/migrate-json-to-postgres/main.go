// Command migrate-json-to-postgres copies a JSON datastore's sessions and
// ingest keys into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"ripplecast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/journal.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("RIPPLECAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, RIPPLECAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx := context.Background()

	source, err := storage.NewJSONRepository(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err)
		os.Exit(1)
	}
	sessions, err := source.ListSessions(ctx, storage.SessionQuery{})
	if err != nil {
		logger.Error("failed to list sessions", "error", err)
		os.Exit(1)
	}
	keys, err := source.ListKeys(ctx)
	if err != nil {
		logger.Error("failed to list ingest keys", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON datastore", "path", *jsonPath, "sessions", len(sessions), "keys", len(keys))

	repo, err := storage.NewPostgresRepository(ctx, dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = repo.Close(context.Background())
	}()

	if err := repo.ImportDataset(ctx, sessions, keys); err != nil {
		logger.Error("failed to import dataset", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, dsn, len(sessions), len(keys)); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "sessions", len(sessions), "keys", len(keys))
}

// verifyCounts re-counts the target tables over a fresh connection so a
// partially applied import cannot masquerade as success.
func verifyCounts(ctx context.Context, dsn string, wantSessions, wantKeys int) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"sessions", "SELECT COUNT(*) FROM sessions", wantSessions},
		{"ingest_keys", "SELECT COUNT(*) FROM ingest_keys", wantKeys},
	}
	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
