// Package testutil provides an in-memory database for package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vipul43/adr-worker/internal/models"
)

// NewDB opens a private in-memory sqlite database with the worker's schema.
// A single connection is used so concurrent callers share the same memory
// database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:adr-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Account{},
		&models.Job{},
		&models.JobExecution{},
		&models.BlacklistEntry{},
		&models.OrchestrationRun{},
		&models.OrchestrationConfig{},
	); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	// mirrors the partial unique indexes of the postgres migrations
	if err := db.Exec(`CREATE UNIQUE INDEX ux_adr_job_account_period ON adr_job (account_id, billing_period_end) WHERE status <> 'Cancelled'`).Error; err != nil {
		t.Fatalf("Failed to create job period index: %v", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX ux_adr_orchestration_run_running ON adr_orchestration_run (status) WHERE status = 'Running'`).Error; err != nil {
		t.Fatalf("Failed to create running run index: %v", err)
	}

	return db
}

// Date returns midnight UTC of the given day.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DatePtr returns a pointer to Date(y, m, d).
func DatePtr(y int, m time.Month, d int) *time.Time {
	t := Date(y, m, d)
	return &t
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 { return &v }
