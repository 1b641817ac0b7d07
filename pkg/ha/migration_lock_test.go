package ha

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func testLockConfig() *Config {
	cfg := DefaultConfig()
	cfg.Identity = "replica-0"
	return cfg
}

func lockRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&migrationLockRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count lock rows: %v", err)
	}
	return count
}

func TestNewMigrationLocker_Noop(t *testing.T) {
	disabled := testLockConfig()
	disabled.MigrationLockEnabled = false

	for name, locker := range map[string]MigrationLocker{
		"nil db":   NewMigrationLocker(nil, nil),
		"disabled": NewMigrationLocker(setupTestDB(t), disabled),
	} {
		called := false
		err := locker.WithLock(context.Background(), func() error {
			called = true
			return nil
		})
		if err != nil || !called {
			t.Errorf("%s: err=%v called=%v", name, err, called)
		}
	}
}

func TestTableMigrationLock_ReleasesAfterRun(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig())
	if _, ok := locker.(*tableMigrationLock); !ok {
		t.Fatalf("sqlite should use the table lock, got %T", locker)
	}

	err := locker.WithLock(context.Background(), func() error {
		if n := lockRows(t, db); n != 1 {
			t.Errorf("expected the lock row while held, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := lockRows(t, db); n != 0 {
		t.Errorf("expected lock table to be empty after WithLock, got %d rows", n)
	}
}

func TestTableMigrationLock_ErrorPropagation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig())

	sentinel := errors.New("migration failed")
	err := locker.WithLock(context.Background(), func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Fatalf("error = %v, want %v", err, sentinel)
	}
	if n := lockRows(t, db); n != 0 {
		t.Errorf("expected lock table to be empty after error, got %d rows", n)
	}
}

func TestTableMigrationLock_Serialization(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig()).(*tableMigrationLock)
	locker.retryInterval = 5 * time.Millisecond

	var concurrent, maxConcurrent atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxConcurrent.Load() != 1 {
		t.Errorf("expected max concurrency of 1, got %d", maxConcurrent.Load())
	}
}

func TestTableMigrationLock_ContextCancellation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig())

	err := locker.WithLock(context.Background(), func() error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := locker.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock error: %v", err)
	}
}

func TestTableMigrationLock_StaleHolderIsEvicted(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig()).(*tableMigrationLock)

	stale := migrationLockRecord{ID: migrationLockRow, LockedAt: time.Now().Add(-time.Hour), LockedBy: "crashed"}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	called := false
	if err := locker.WithLock(context.Background(), func() error { called = true; return nil }); err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestTableMigrationLock_GivesUp(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testLockConfig()).(*tableMigrationLock)
	locker.maxAttempts = 2
	locker.retryInterval = time.Millisecond

	held := migrationLockRecord{ID: migrationLockRow, LockedAt: time.Now(), LockedBy: "replica-1"}
	if err := db.Create(&held).Error; err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	err := locker.WithLock(context.Background(), func() error {
		t.Error("should not have acquired the lock")
		return nil
	})
	if err == nil {
		t.Fatal("expected an error while another replica holds the lock")
	}
	if n := lockRows(t, db); n != 1 {
		t.Errorf("the other holder's row must survive, got %d rows", n)
	}
}
