package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend keeps records in Postgres for deployments that share one
// database between hosts. Locks remain in-process.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	locks *KeyLocks
}

// OpenPostgres connects to dsn and ensures the tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresBackend, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres backend: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &PostgresBackend{pool: pool, locks: NewKeyLocks()}
	if err := b.ensureTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) ensureTables(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS xbot_kv (
			key        TEXT PRIMARY KEY,
			value      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create xbot_kv: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS xbot_log_entries (
			id         BIGSERIAL PRIMARY KEY,
			log_key    TEXT NOT NULL,
			line       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create xbot_log_entries: %w", err)
	}
	_, err = b.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_xbot_log_entries_key ON xbot_log_entries(log_key, id)`)
	return err
}

func (b *PostgresBackend) Name() string { return "postgres" }

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, false, err
	}
	var val []byte
	err = b.pool.QueryRow(ctx, `SELECT value FROM xbot_kv WHERE key = $1`, key).Scan(&val)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, true, nil
}

func (b *PostgresBackend) Put(ctx context.Context, key string, value []byte) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO xbot_kv (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (b *PostgresBackend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT key FROM xbot_kv WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("kv list %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("kv list %s: %w", prefix, err)
	}
	return keys, nil
}

func (b *PostgresBackend) Append(ctx context.Context, key string, line []byte) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, `INSERT INTO xbot_log_entries (log_key, line) VALUES ($1, $2)`, key, line); err != nil {
		return fmt.Errorf("append log %s: %w", key, err)
	}
	return nil
}

func (b *PostgresBackend) ReadLog(ctx context.Context, key string) ([][]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	rows, err := b.pool.Query(ctx, `SELECT line FROM xbot_log_entries WHERE log_key = $1 ORDER BY id ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", key, err)
	}
	lines, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", key, err)
	}
	return lines, nil
}

func (b *PostgresBackend) Lock(key string) func() {
	return b.locks.Lock(key)
}
