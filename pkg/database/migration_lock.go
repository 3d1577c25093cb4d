package database

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock blocks until the lock is held, runs fn and releases the lock.
	WithLock(ctx context.Context, fn func() error) error
}

const lockName = "inventory-migration"

// NewMigrationLocker returns a locker for db's dialect. PostgreSQL uses an
// advisory lock; other databases use a lock table, which is created here so
// concurrent callers never race on its creation. A nil db, or enabled set
// to false, returns a locker that runs fn directly.
func NewMigrationLocker(db *gorm.DB, enabled bool) MigrationLocker {
	if db == nil || !enabled {
		return noopLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(lockName))),
		}
	}
	_ = db.AutoMigrate(&lockRecord{})
	return &tableLock{
		db:            db,
		retries:       30,
		retryInterval: time.Second,
		staleAge:      5 * time.Minute,
	}
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error { return fn() }

type advisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.WithContext(context.WithoutCancel(ctx)).Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

type lockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;size:64"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by;size:255"`
}

func (lockRecord) TableName() string { return "migration_lock" }

// tableLock holds the lock while its row exists. Rows older than staleAge
// belong to a crashed holder and are removed before each attempt.
type tableLock struct {
	db            *gorm.DB
	retries       int
	retryInterval time.Duration
	staleAge      time.Duration
}

func (l *tableLock) WithLock(ctx context.Context, fn func() error) error {
	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}
	row := lockRecord{ID: lockName, LockedBy: holder}

	for i := 0; ; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", lockName, time.Now().Add(-l.staleAge)).
			Delete(&lockRecord{})

		row.LockedAt = time.Now()
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if i == l.retries-1 {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", l.retries, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
	defer l.db.WithContext(context.WithoutCancel(ctx)).Where("id = ?", lockName).Delete(&lockRecord{})
	return fn()
}
