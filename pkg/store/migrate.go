package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"gorm.io/gorm"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

const migrationsTable = "trust_schema_migrations"

// Migrate brings the schema up to date. PostgreSQL runs the versioned SQL
// migrations; MySQL and SQLite fall back to AutoMigrate of models.
func Migrate(ctx context.Context, db *gorm.DB, cfg *DBConfig, logger *slog.Logger, models ...any) error {
	if logger == nil {
		logger = slog.Default()
	}

	if !IsPostgres(db) {
		if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
			return fmt.Errorf("auto-migrate failed: %w", err)
		}
		logger.Info("schema auto-migrated", "dialect", db.Dialector.Name(), "models", len(models))
		return nil
	}

	return migratePostgres(cfg.DSN, logger)
}

func migratePostgres(dsn string, logger *slog.Logger) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("failed to init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	logger.Info("schema migrated", "dialect", "postgres", "version", version, "dirty", dirty)
	return nil
}
