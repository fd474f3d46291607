package sidecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

// SQLiteCache keeps entries in a local sqlite file. It holds at most
// maxEntries rows, dropping the least recently written ones first, and
// treats rows older than ttl as misses.
type SQLiteCache struct {
	db         *dbutil.Database
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

var _ Cache = (*SQLiteCache)(nil)

func NewSQLiteCache(ctx context.Context, path string, maxEntries int, ttl time.Duration, log zerolog.Logger) (*SQLiteCache, error) {
	db, err := dbutil.NewWithDialect("file:"+path+"?_busy_timeout=5000&_journal_mode=WAL", "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open side cache database: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "sidecache").Logger())
	c := newSQLiteCache(db, maxEntries, ttl)
	if err = c.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func newSQLiteCache(db *dbutil.Database, maxEntries int, ttl time.Duration) *SQLiteCache {
	return &SQLiteCache{db: db, maxEntries: maxEntries, ttl: ttl, now: time.Now}
}

func (c *SQLiteCache) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS side_cache (
			cache_key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS side_cache_updated_idx ON side_cache (updated_ts)`,
	}
	for _, query := range queries {
		if _, err := c.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure side cache schema: %w", err)
		}
	}
	return nil
}

func (c *SQLiteCache) Get(ctx context.Context, key string, dst any) error {
	var data []byte
	var updatedTS int64
	err := c.db.QueryRow(ctx,
		`SELECT value, updated_ts FROM side_cache WHERE cache_key=$1`, key,
	).Scan(&data, &updatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMiss
	} else if err != nil {
		return fmt.Errorf("failed to read side cache entry %s: %w", key, err)
	}
	if c.ttl > 0 && c.now().Sub(time.UnixMilli(updatedTS)) > c.ttl {
		return ErrMiss
	}
	return decode(data, dst)
}

func (c *SQLiteCache) Set(ctx context.Context, key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(ctx, `
		INSERT INTO side_cache (cache_key, value, updated_ts)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE SET
			value=excluded.value,
			updated_ts=excluded.updated_ts
	`, key, data, c.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write side cache entry %s: %w", key, err)
	}
	return c.prune(ctx)
}

// prune drops the oldest rows beyond maxEntries.
func (c *SQLiteCache) prune(ctx context.Context) error {
	if c.maxEntries <= 0 {
		return nil
	}
	_, err := c.db.Exec(ctx, `
		DELETE FROM side_cache WHERE cache_key NOT IN (
			SELECT cache_key FROM side_cache ORDER BY updated_ts DESC, cache_key LIMIT $1
		)
	`, c.maxEntries)
	if err != nil {
		return fmt.Errorf("failed to prune side cache: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Invalidate(ctx context.Context, key string) error {
	if _, err := c.db.Exec(ctx, `DELETE FROM side_cache WHERE cache_key=$1`, key); err != nil {
		return fmt.Errorf("failed to invalidate side cache entry %s: %w", key, err)
	}
	return nil
}

func (c *SQLiteCache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRow(ctx, `SELECT COUNT(*) FROM side_cache`).Scan(&n)
	return n, err
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
