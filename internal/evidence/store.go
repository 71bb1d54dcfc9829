package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/cerberus/internal/models"
)

var ErrBundleNotFound = errors.New("evidence bundle not found")

// BlobStore is the opaque key to bytes store bundles are written to.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// GormBlobStore keeps blobs in the evidence_blobs table.
type GormBlobStore struct {
	db *gorm.DB
}

func NewGormBlobStore(db *gorm.DB) *GormBlobStore {
	return &GormBlobStore{db: db}
}

func (s *GormBlobStore) Put(ctx context.Context, key string, data []byte) error {
	blob := models.EvidenceBlob{ID: key, Data: data}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&blob).Error
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

func (s *GormBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	var blob models.EvidenceBlob
	err := s.db.WithContext(ctx).Where(clause.Eq{Column: clause.Column{Name: "id"}, Value: key}).First(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return blob.Data, nil
}

// RedisBlobStore keeps blobs under a key prefix in redis. Blobs never expire.
type RedisBlobStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisBlobStore(rdb *redis.Client, prefix string) *RedisBlobStore {
	if prefix = strings.Trim(prefix, ":"); prefix == "" {
		prefix = "cerberus:evidence"
	}
	return &RedisBlobStore{rdb: rdb, prefix: prefix}
}

func (s *RedisBlobStore) key(k string) string { return s.prefix + ":" + k }

func (s *RedisBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.rdb.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

func (s *RedisBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBundleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	return data, nil
}

// Filter selects bundles from the index. Zero fields do not filter.
type Filter struct {
	ClientKey string
	Outcome   models.Outcome
	Status    models.VerificationStatus
	Since     time.Time
	Until     time.Time
	Limit     int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Repository stores bundle bodies in a BlobStore and keeps a queryable index in the
// database for listing and retry scheduling.
type Repository struct {
	blobs BlobStore
	db    *gorm.DB
}

func NewRepository(blobs BlobStore, db *gorm.DB) *Repository {
	return &Repository{blobs: blobs, db: db}
}

// Save writes the bundle body and then its index row. nextAttempt is nil unless the
// bundle is pending a retry.
func (r *Repository) Save(ctx context.Context, b *models.EvidenceBundle, nextAttempt *time.Time) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bundle %s: %w", b.BundleID, err)
	}
	if err := r.blobs.Put(ctx, b.BundleID, raw); err != nil {
		return err
	}

	idx := models.BundleIndex{
		BundleID:      b.BundleID,
		DecisionID:    b.Decision.ID,
		ClientKey:     b.Decision.ClientKey,
		Outcome:       b.Decision.Outcome,
		Guardrail:     b.Decision.Guardrail,
		ShadowMode:    b.Decision.ShadowMode,
		DecisionTime:  b.Decision.Timestamp.UTC(),
		Status:        b.VerificationStatus,
		Attempts:      b.Attempts,
		NextAttemptAt: nextAttempt,
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bundle_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "next_attempt_at", "updated_at"}),
	}).Create(&idx).Error
	if err != nil {
		return fmt.Errorf("index bundle %s: %w", b.BundleID, err)
	}
	return nil
}

// Load returns the stored bundle with the given id.
func (r *Repository) Load(ctx context.Context, id string) (*models.EvidenceBundle, error) {
	raw, err := r.blobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var b models.EvidenceBundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", id, err)
	}
	return &b, nil
}

// List returns index rows matching f, newest decision first.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.BundleIndex, error) {
	q := r.db.WithContext(ctx).Model(&models.BundleIndex{})
	if f.ClientKey != "" {
		q = q.Where("client_key = ?", f.ClientKey)
	}
	if f.Outcome != "" {
		q = q.Where("outcome = ?", f.Outcome)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("decision_time >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		q = q.Where("decision_time < ?", f.Until.UTC())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var rows []models.BundleIndex
	if err := q.Order("decision_time DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	return rows, nil
}

// Due returns the ids of pending bundles whose next attempt is at or before now.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.BundleIndex{}).
		Where("status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", models.StatusPending, now.UTC()).
		Order("next_attempt_at").
		Limit(limit).
		Pluck("bundle_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list due bundles: %w", err)
	}
	return ids, nil
}

// Counts returns the number of indexed bundles per verification status.
func (r *Repository) Counts(ctx context.Context) (map[models.VerificationStatus]int64, error) {
	var rows []struct {
		Status models.VerificationStatus
		N      int64
	}
	err := r.db.WithContext(ctx).Model(&models.BundleIndex{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count bundles: %w", err)
	}
	out := make(map[models.VerificationStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}
