package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ripplecast/internal/models"
)

const pgUniqueViolation = "23505"

// PostgresRepository persists sessions and ingest keys in PostgreSQL behind a
// pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects a pool for the DSN, applies any options and
// runs pending schema migrations before returning.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg := defaultPostgresConfig(dsn)
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repo := &PostgresRepository{pool: pool}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close drains the pool, abandoning the wait when the context expires.
func (r *PostgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const sessionColumns = `id, source_format, sample_rate, channels, legs, state,
	started_at, ended_at, bytes_received, bytes_forwarded,
	chunks_dropped, peak_consumers, artifact_path, artifact_url, close_reason`

const upsertSessionSQL = `INSERT INTO sessions (` + sessionColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
	source_format = EXCLUDED.source_format,
	sample_rate = EXCLUDED.sample_rate,
	channels = EXCLUDED.channels,
	legs = EXCLUDED.legs,
	state = EXCLUDED.state,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at,
	bytes_received = EXCLUDED.bytes_received,
	bytes_forwarded = EXCLUDED.bytes_forwarded,
	chunks_dropped = EXCLUDED.chunks_dropped,
	peak_consumers = EXCLUDED.peak_consumers,
	artifact_path = EXCLUDED.artifact_path,
	artifact_url = EXCLUDED.artifact_url,
	close_reason = EXCLUDED.close_reason`

func (r *PostgresRepository) SaveSession(ctx context.Context, record models.SessionRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("session id is required")
	}
	args, err := sessionArgs(record)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, upsertSessionSQL, args...); err != nil {
		return fmt.Errorf("save session %s: %w", record.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (models.SessionRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	record, err := scanSessionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SessionRecord{}, ErrSessionUnknown
		}
		return models.SessionRecord{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return record, nil
}

func (r *PostgresRepository) ListSessions(ctx context.Context, query SessionQuery) ([]models.SessionRecord, error) {
	sql := `SELECT ` + sessionColumns + ` FROM sessions`
	args := make([]any, 0, 1)
	if query.State != "" {
		sql += ` WHERE state = $1`
		args = append(args, string(query.State))
	}
	sql += ` ORDER BY started_at DESC, id`
	if query.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT %d`, query.Limit)
	}
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionUnknown
	}
	return nil
}

func (r *PostgresRepository) PruneSessions(ctx context.Context, endedBefore time.Time) ([]models.SessionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < $1 RETURNING `+sessionColumns,
		endedBefore)
	if err != nil {
		return nil, fmt.Errorf("prune sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (r *PostgresRepository) SetArtifactURL(ctx context.Context, id, artifactURL string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE sessions SET artifact_url = $2 WHERE id = $1`, id, artifactURL)
	if err != nil {
		return fmt.Errorf("set artifact url for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionUnknown
	}
	return nil
}

func (r *PostgresRepository) CreateKey(ctx context.Context, key models.IngestKey) error {
	if strings.TrimSpace(key.ID) == "" {
		return errors.New("key id is required")
	}
	if strings.TrimSpace(key.SecretHash) == "" {
		return errors.New("key secret hash is required")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ingest_keys (id, name, scopes, secret_hash, disabled, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, scopesToStrings(key.Scopes), key.SecretHash,
		key.Disabled, key.CreatedAt, key.LastUsedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create key %s: %w", key.ID, err)
	}
	return nil
}

func (r *PostgresRepository) GetKey(ctx context.Context, id string) (models.IngestKey, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, scopes, secret_hash, disabled, created_at, last_used_at
		 FROM ingest_keys WHERE id = $1`, id)
	key, err := scanKeyRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.IngestKey{}, ErrKeyUnknown
		}
		return models.IngestKey{}, fmt.Errorf("get key %s: %w", id, err)
	}
	return key, nil
}

func (r *PostgresRepository) ListKeys(ctx context.Context) ([]models.IngestKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, scopes, secret_hash, disabled, created_at, last_used_at
		 FROM ingest_keys ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	var keys []models.IngestKey
	for rows.Next() {
		key, err := scanKeyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (r *PostgresRepository) SetKeyDisabled(ctx context.Context, id string, disabled bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE ingest_keys SET disabled = $2 WHERE id = $1`, id, disabled)
	if err != nil {
		return fmt.Errorf("set key disabled for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyUnknown
	}
	return nil
}

func (r *PostgresRepository) DeleteKey(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM ingest_keys WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyUnknown
	}
	return nil
}

func (r *PostgresRepository) TouchKey(ctx context.Context, id string, when time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE ingest_keys SET last_used_at = $2 WHERE id = $1`, id, when.UTC())
	if err != nil {
		return fmt.Errorf("touch key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyUnknown
	}
	return nil
}

func sessionArgs(record models.SessionRecord) ([]any, error) {
	var forwarded []byte
	if len(record.BytesForwarded) > 0 {
		encoded, err := json.Marshal(record.BytesForwarded)
		if err != nil {
			return nil, fmt.Errorf("encode bytes_forwarded: %w", err)
		}
		forwarded = encoded
	}
	return []any{
		record.ID,
		string(record.SourceFormat),
		record.SampleRate,
		record.Channels,
		legKindsToStrings(record.Legs),
		string(record.State),
		record.StartedAt,
		record.EndedAt,
		int64(record.BytesReceived),
		forwarded,
		int64(record.ChunksDropped),
		record.PeakConsumers,
		record.ArtifactPath,
		record.ArtifactURL,
		record.CloseReason,
	}, nil
}

func scanSessionRow(row pgx.Row) (models.SessionRecord, error) {
	var (
		record    models.SessionRecord
		format    string
		legs      []string
		state     string
		received  int64
		forwarded []byte
		dropped   int64
	)
	if err := row.Scan(
		&record.ID, &format, &record.SampleRate, &record.Channels,
		&legs, &state, &record.StartedAt, &record.EndedAt,
		&received, &forwarded, &dropped, &record.PeakConsumers,
		&record.ArtifactPath, &record.ArtifactURL, &record.CloseReason,
	); err != nil {
		return models.SessionRecord{}, err
	}
	record.SourceFormat = models.SourceFormat(format)
	record.Legs = stringsToLegKinds(legs)
	record.State = models.SessionState(state)
	record.BytesReceived = uint64(received)
	record.ChunksDropped = uint64(dropped)
	if len(forwarded) > 0 {
		byLeg := make(map[models.LegKind]uint64)
		if err := json.Unmarshal(forwarded, &byLeg); err != nil {
			return models.SessionRecord{}, fmt.Errorf("decode bytes_forwarded: %w", err)
		}
		if len(byLeg) > 0 {
			record.BytesForwarded = byLeg
		}
	}
	return record, nil
}

func collectSessions(rows pgx.Rows) ([]models.SessionRecord, error) {
	var records []models.SessionRecord
	for rows.Next() {
		record, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanKeyRow(row pgx.Row) (models.IngestKey, error) {
	var (
		key    models.IngestKey
		scopes []string
	)
	if err := row.Scan(
		&key.ID, &key.Name, &scopes, &key.SecretHash,
		&key.Disabled, &key.CreatedAt, &key.LastUsedAt,
	); err != nil {
		return models.IngestKey{}, err
	}
	key.Scopes = stringsToScopes(scopes)
	return key, nil
}

func legKindsToStrings(kinds []models.LegKind) []string {
	out := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, string(kind))
	}
	return out
}

func stringsToLegKinds(values []string) []models.LegKind {
	if len(values) == 0 {
		return nil
	}
	out := make([]models.LegKind, 0, len(values))
	for _, value := range values {
		out = append(out, models.LegKind(value))
	}
	return out
}

func scopesToStrings(scopes []models.KeyScope) []string {
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, string(scope))
	}
	return out
}

func stringsToScopes(values []string) []models.KeyScope {
	if len(values) == 0 {
		return nil
	}
	out := make([]models.KeyScope, 0, len(values))
	for _, value := range values {
		out = append(out, models.KeyScope(value))
	}
	return out
}
