package handlers

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Wikid82/cerberus/internal/models"
)

var testDBSeq atomic.Uint64

// OpenTestDB creates a migrated SQLite in-memory DB unique per test, with a busy
// timeout and a single connection to avoid SQLITE_BUSY in concurrent tests.
func OpenTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsnName := fmt.Sprintf("%s_%d", strings.ReplaceAll(t.Name(), "/", "_"), testDBSeq.Add(1))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", dsnName)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&models.LogEntry{}, &models.BundleIndex{}, &models.EvidenceBlob{}); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	return db
}
