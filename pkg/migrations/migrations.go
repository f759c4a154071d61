package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embedded embed.FS

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite3"
)

// MigrateStore applies the record store migrations with goose. Migrations are
// read from migrationFolder when set and from the embedded set otherwise.
// River tables are migrated as well when pgxPool is not nil.
func MigrateStore(db *gorm.DB, dialect, migrationFolder string, pgxPool *pgxpool.Pool) error {
	goose.SetLogger(&logger{})

	migrationsFS, err := migrationSource(migrationFolder)
	if err != nil {
		return err
	}
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if err := goose.Up(sqlDB, "."); err != nil {
		return err
	}

	if pgxPool == nil {
		return nil
	}
	if err := migrateRiver(pgxPool); err != nil {
		return fmt.Errorf("river migrations: %w", err)
	}

	return nil
}

func migrationSource(migrationFolder string) (fs.FS, error) {
	if migrationFolder == "" {
		return fs.Sub(embedded, "sql")
	}

	fi, err := os.Stat(migrationFolder)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsDir() {
		return nil, fmt.Errorf("failed to open migration folder: %s is not a folder", migrationFolder)
	}
	return os.DirFS(migrationFolder), nil
}

func migrateRiver(pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	res, err := migrator.Migrate(context.Background(), rivermigrate.DirectionUp, nil)
	if err != nil {
		return err
	}
	for _, v := range res.Versions {
		zap.S().Named("migrations").Infof("applied river migration %03d", v.Version)
	}
	return nil
}

// logger routes goose output through zap.
type logger struct{}

func (m *logger) Printf(format string, v ...interface{}) { zap.S().Named("migrations").Infof(format, v...) }
func (m *logger) Fatalf(format string, v ...interface{}) { zap.S().Named("migrations").Fatalf(format, v...) }
