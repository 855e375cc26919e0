// Package db opens the Postgres pool behind the direct user-data backend.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes the pool. Zero values keep the defaults.
type Options struct {
	MaxConns int32
	// PingAttempts is how many times Open pings before giving up; the
	// database often starts after the BFF in local stacks.
	PingAttempts int
	PingBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.PingAttempts <= 0 {
		o.PingAttempts = 1
	}
	if o.PingBackoff <= 0 {
		o.PingBackoff = time.Second
	}
	return o
}

// Open opens a pgxpool for dsn and pings it, retrying per opts.
func Open(ctx context.Context, dsn string, opts ...Options) (*pgxpool.Pool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	o = o.withDefaults()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = o.MaxConns
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := ping(ctx, pool, o); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func ping(ctx context.Context, pool *pgxpool.Pool, o Options) error {
	var err error
	backoff := o.PingBackoff
	for attempt := 1; attempt <= o.PingAttempts; attempt++ {
		if err = pool.Ping(ctx); err == nil {
			return nil
		}
		if attempt == o.PingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("ping database after %d attempts: %w", o.PingAttempts, err)
}
