package main

import (
	"context"
	"fmt"

	"github.com/fuse-drs/drs-provider/internal/config"
	"github.com/fuse-drs/drs-provider/internal/store"
	"github.com/fuse-drs/drs-provider/pkg/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return fmt.Errorf("reading configuration: %w", err)
		}
		defer cleanup()

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			return fmt.Errorf("initializing data store: %w", err)
		}
		st := store.NewStore(db)
		defer st.Close()

		dialect := migrations.DialectSQLite
		var pool *pgxpool.Pool
		if cfg.Database.Type == "pgsql" {
			dialect = migrations.DialectPostgres
			if cfg.Queue.Backend == config.QueueBackendRiver {
				pool, err = store.NewPgxPool(context.Background(), cfg)
				if err != nil {
					return err
				}
				defer pool.Close()
			}
		}

		if err := migrations.MigrateStore(db, dialect, cfg.Service.MigrationFolder, pool); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}

		zap.S().Info("Db migrated")
		return nil
	},
}
