package storage

import (
	"context"
	"fmt"
	"sort"

	"ripplecast/internal/models"
)

type schemaMigration struct {
	version int
	name    string
	sql     string
}

var schemaMigrations = []schemaMigration{
	{
		version: 1,
		name:    "create sessions",
		sql: `CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			source_format TEXT NOT NULL DEFAULT '',
			sample_rate INTEGER NOT NULL DEFAULT 0,
			channels INTEGER NOT NULL DEFAULT 0,
			legs TEXT[] NOT NULL DEFAULT '{}',
			state TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			bytes_received BIGINT NOT NULL DEFAULT 0,
			bytes_forwarded JSONB,
			chunks_dropped BIGINT NOT NULL DEFAULT 0,
			peak_consumers INTEGER NOT NULL DEFAULT 0,
			artifact_path TEXT NOT NULL DEFAULT '',
			artifact_url TEXT NOT NULL DEFAULT '',
			close_reason TEXT NOT NULL DEFAULT ''
		)`,
	},
	{
		version: 2,
		name:    "create ingest keys",
		sql: `CREATE TABLE IF NOT EXISTS ingest_keys (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			scopes TEXT[] NOT NULL DEFAULT '{}',
			secret_hash TEXT NOT NULL,
			disabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			last_used_at TIMESTAMPTZ
		)`,
	},
	{
		version: 3,
		name:    "index sessions by ended_at",
		sql:     `CREATE INDEX IF NOT EXISTS sessions_ended_at_idx ON sessions (ended_at) WHERE ended_at IS NOT NULL`,
	},
}

func (r *PostgresRepository) migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, m := range schemaMigrations {
		applied, err := r.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
			m.version, m.name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (r *PostgresRepository) migrationApplied(ctx context.Context, version int) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`,
		version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return exists, nil
}

const insertSessionIgnoreSQL = `INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO NOTHING`

const insertKeyIgnoreSQL = `INSERT INTO ingest_keys (id, name, scopes, secret_hash, disabled, created_at, last_used_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`

// ImportDataset copies records exported from another repository into
// Postgres inside one transaction, skipping rows that already exist. Rows are
// inserted in ID order so repeated runs behave deterministically.
func (r *PostgresRepository) ImportDataset(ctx context.Context, sessions []models.SessionRecord, keys []models.IngestKey) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	sortedSessions := append([]models.SessionRecord(nil), sessions...)
	sort.Slice(sortedSessions, func(i, j int) bool { return sortedSessions[i].ID < sortedSessions[j].ID })
	for _, record := range sortedSessions {
		args, err := sessionArgs(record)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertSessionIgnoreSQL, args...); err != nil {
			return fmt.Errorf("import session %s: %w", record.ID, err)
		}
	}

	sortedKeys := append([]models.IngestKey(nil), keys...)
	sort.Slice(sortedKeys, func(i, j int) bool { return sortedKeys[i].ID < sortedKeys[j].ID })
	for _, key := range sortedKeys {
		if _, err := tx.Exec(ctx, insertKeyIgnoreSQL,
			key.ID, key.Name, scopesToStrings(key.Scopes), key.SecretHash,
			key.Disabled, key.CreatedAt, key.LastUsedAt); err != nil {
			return fmt.Errorf("import key %s: %w", key.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	committed = true
	return nil
}
