// Package db opens the Postgres pool backing the bookmark store.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns = 4
	pingTimeout     = 5 * time.Second
)

type options struct {
	maxConns        int32
	applicationName string
}

type Option func(*options)

// WithMaxConns caps the pool; bookmark writes are small and serialised per scope
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithApplicationName sets application_name on every connection
func WithApplicationName(name string) Option {
	return func(o *options) { o.applicationName = name }
}

// Connect opens a pool and verifies it with a ping
func Connect(ctx context.Context, dsn string, opts ...Option) (*pgxpool.Pool, error) {
	o := options{maxConns: defaultMaxConns}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	if o.applicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = o.applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.ConnConfig.Host, err)
	}
	return pool, nil
}
