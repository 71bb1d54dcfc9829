package evidence

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Wikid82/cerberus/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.BundleIndex{}, &models.EvidenceBlob{}, &models.LogEntry{}))
	return db
}

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	return NewRepository(NewGormBlobStore(db), db), db
}

func testDecision(client string, outcome models.Outcome, at time.Time) models.Decision {
	d := models.Decision{
		ID:        uuid.NewString(),
		Timestamp: at,
		ClientKey: client,
		Outcome:   outcome,
		Reason:    "within limits",
		Quota:     models.Quota{Limit: 100, Remaining: 99, ResetAt: at.Add(time.Minute)},
	}
	if outcome == models.OutcomeDenied {
		d.Guardrail = models.GuardrailRateLimit
		d.Reason = "rate limit exceeded"
	}
	return d
}
