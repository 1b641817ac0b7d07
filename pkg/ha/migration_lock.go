package ha

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kubeflow/trust-ledger/pkg/store"
)

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the lock and releases it afterwards,
	// including when fn fails.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker picks a postgres advisory lock or a row in
// trust_migration_lock for other dialects. A nil db or a disabled config
// yields a lock that just calls fn.
func NewMigrationLocker(db *gorm.DB, cfg *Config) MigrationLocker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if db == nil || !cfg.MigrationLockEnabled {
		return noopMigrationLock{}
	}
	if store.IsPostgres(db) {
		return &pgAdvisoryLock{db: db, lockID: cfg.MigrationLockID}
	}
	// Created up front so concurrent first callers never see a missing table.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &tableMigrationLock{
		db:            db,
		holder:        cfg.Identity,
		maxAttempts:   30,
		retryInterval: time.Second,
		staleAfter:    5 * time.Minute,
	}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Advisory locks are per session, so lock and unlock must share a
	// connection.
	sqlDB, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("failed to acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.lockID)
	}()

	return fn()
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;type:varchar(32)"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by;type:varchar(255)"`
}

func (migrationLockRecord) TableName() string { return "trust_migration_lock" }

const migrationLockRow = "migration"

// tableMigrationLock relies on the primary key rejecting a second insert.
// Rows older than staleAfter are assumed to belong to a crashed holder.
type tableMigrationLock struct {
	db            *gorm.DB
	holder        string
	maxAttempts   int
	retryInterval time.Duration
	staleAfter    time.Duration
}

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.db.Where("id = ? AND locked_by = ?", migrationLockRow, l.holder).Delete(&migrationLockRecord{})
	return fn()
}

func (l *tableMigrationLock) acquire(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockRow, time.Now().Add(-l.staleAfter)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockRow, LockedAt: time.Now(), LockedBy: l.holder}
		if lastErr = l.db.WithContext(ctx).Create(&row).Error; lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
	return fmt.Errorf("failed to acquire migration lock after %d attempts: %w", l.maxAttempts, lastErr)
}
