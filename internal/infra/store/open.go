// Package store provides the audit sink and task archive backends.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	"taskplane/internal/shared/config"
)

const memoryAuditLimit = 10000

// Backend bundles the configured sink and archive. Archive is nil for the
// memory driver.
type Backend struct {
	Sink    audit.Sink
	Archive task.Archive
	close   func()
}

// Close releases connections held by the backend.
func (b *Backend) Close() {
	if b != nil && b.close != nil {
		b.close()
	}
}

// Open builds the backend selected by cfg.Driver and ensures its schema.
func Open(ctx context.Context, cfg config.StoreConfig) (*Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return &Backend{Sink: audit.NewMemorySink(memoryAuditLimit)}, nil
	case "file":
		fs := NewFileStore(cfg.Dir)
		if err := fs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return &Backend{Sink: fs, Archive: fs}, nil
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		pg := NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &Backend{Sink: pg, Archive: pg, close: pool.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
