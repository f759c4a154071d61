package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fuse-drs/drs-provider/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPgxPool opens the postgres pool used by river and its migrations.
func NewPgxPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Database.Type != "pgsql" {
		return nil, fmt.Errorf("a pgx pool requires a postgres database, got %q", cfg.Database.Type)
	}

	dsn := fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Port,
		cfg.Database.Name,
	)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}

	// job processing plus the LISTEN connection
	poolCfg.MaxConns = int32(cfg.Queue.Concurrency) + 8
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	return pool, nil
}
