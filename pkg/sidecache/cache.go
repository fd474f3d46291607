// Package sidecache is a bounded, invalidate-by-key cache for data the
// engine can refetch at any time. It is a latency optimization only.
package sidecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("sidecache: miss")

type Cache interface {
	// Get decodes the value stored under key into dst.
	Get(ctx context.Context, key string, dst any) error
	Set(ctx context.Context, key string, value any) error
	Invalidate(ctx context.Context, key string) error
	Close() error
}

const (
	BackendNone   = "none"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Backend    string        `yaml:"backend"`
	SQLitePath string        `yaml:"sqlite_path"`
	RedisURL   string        `yaml:"redis_url"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

func (c *Config) Validate() error {
	switch c.Backend {
	case "", BackendNone:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("cache.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Backend)
	}
	if c.MaxEntries < 0 {
		return errors.New("cache.max_entries must not be negative")
	}
	return nil
}

// Open builds the configured backend. The none backend never stores anything.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteCache(ctx, cfg.SQLitePath, cfg.MaxEntries, cfg.TTL, log)
	case BackendRedis:
		return NewRedisCache(ctx, cfg.RedisURL, cfg.TTL)
	default:
		return Noop{}, nil
	}
}

type Noop struct{}

var _ Cache = Noop{}

func (Noop) Get(context.Context, string, any) error { return ErrMiss }

func (Noop) Set(context.Context, string, any) error { return nil }

func (Noop) Invalidate(context.Context, string) error { return nil }

func (Noop) Close() error { return nil }

func encode(value any) ([]byte, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache value: %w", err)
	}
	return data, nil
}

func decode(data []byte, dst any) error {
	if err := msgpack.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}
