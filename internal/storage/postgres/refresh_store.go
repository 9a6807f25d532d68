// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/statcache/internal/statcache"
)

const defaultTable = "cache_refreshes"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RefreshStoreConfig controls the Postgres connection pool used for refresh audit rows.
type RefreshStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// RefreshStore writes one audit row per live refresh.
type RefreshStore struct {
	pool  pool
	table string
}

var _ statcache.RefreshRecorder = (*RefreshStore)(nil)

// NewRefreshStore creates a Postgres-backed RefreshStore using the provided config.
func NewRefreshStore(ctx context.Context, cfg RefreshStoreConfig) (*RefreshStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RefreshStore{pool: p, table: table}, nil
}

// NewRefreshStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRefreshStoreWithPool(p pool, table string) (*RefreshStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RefreshStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RefreshStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the audit table when it does not exist.
func (s *RefreshStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id text PRIMARY KEY,
	cache_key text NOT NULL,
	outcome text NOT NULL,
	attempts integer NOT NULL,
	source text NOT NULL,
	payload_digest text NOT NULL,
	changed boolean NOT NULL,
	error_message text,
	started_at timestamptz NOT NULL,
	finished_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_key_started_idx ON %[1]s (cache_key, started_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// RecordRefresh inserts a refresh audit row.
func (s *RefreshStore) RecordRefresh(ctx context.Context, record statcache.RefreshRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("refresh store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if record.Key == "" {
		return fmt.Errorf("record key is required")
	}
	var errMsg *string
	if record.ErrText != "" {
		errMsg = &record.ErrText
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	cache_key,
	outcome,
	attempts,
	source,
	payload_digest,
	changed,
	error_message,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table)

	args := []any{
		record.ID,
		record.Key,
		record.Outcome,
		record.Attempts,
		string(record.Source),
		record.Digest,
		record.Changed,
		errMsg,
		record.StartedAt,
		record.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert refresh: %w", err)
	}
	return nil
}

// RecentRefreshes returns up to limit audit rows for key, newest first.
func (s *RefreshStore) RecentRefreshes(ctx context.Context, key string, limit int) ([]statcache.RefreshRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`
SELECT id, cache_key, outcome, attempts, source, payload_digest, changed, error_message, started_at, finished_at
FROM %s
WHERE cache_key = $1
ORDER BY started_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query refreshes: %w", err)
	}
	defer rows.Close()

	var out []statcache.RefreshRecord
	for rows.Next() {
		var (
			rec    statcache.RefreshRecord
			source string
			errMsg *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Key,
			&rec.Outcome,
			&rec.Attempts,
			&source,
			&rec.Digest,
			&rec.Changed,
			&errMsg,
			&rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan refresh: %w", err)
		}
		rec.Source = statcache.Source(source)
		if errMsg != nil {
			rec.ErrText = *errMsg
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refreshes: %w", err)
	}
	return out, nil
}
