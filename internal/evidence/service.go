package evidence

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/transparency"
)

// Service answers audit queries over stored bundles.
type Service struct {
	repo     *Repository
	log      transparency.Service
	verifier signing.Verifier
	cache    *ttlcache.Cache[string, *models.EvidenceBundle]
}

// NewService returns a query service. Finalized bundles are cached for cacheTTL.
// log may be nil, in which case recorded roots are not checked against the live log.
func NewService(repo *Repository, log transparency.Service, verifier signing.Verifier, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{
		repo:     repo,
		log:      log,
		verifier: verifier,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *models.EvidenceBundle](cacheTTL),
			ttlcache.WithCapacity[string, *models.EvidenceBundle](10000),
		),
	}
}

// Start runs the cache janitor until Stop is called.
func (s *Service) Start() { go s.cache.Start() }

// Stop stops the cache janitor.
func (s *Service) Stop() { s.cache.Stop() }

// GetBundle returns the bundle with the given id. Pending bundles always come from
// the store since they can still change.
func (s *Service) GetBundle(ctx context.Context, id string) (*models.EvidenceBundle, error) {
	if item := s.cache.Get(id); item != nil {
		return item.Value(), nil
	}
	b, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.VerificationStatus != models.StatusPending {
		s.cache.Set(id, b, ttlcache.DefaultTTL)
	}
	return b, nil
}

// ListBundles returns the bundles whose index rows match f, in index order. A row
// whose blob is gone is skipped.
func (s *Service) ListBundles(ctx context.Context, f Filter) ([]*models.EvidenceBundle, error) {
	rows, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	bundles := make([]*models.EvidenceBundle, 0, len(rows))
	for _, row := range rows {
		b, err := s.GetBundle(ctx, row.BundleID)
		if errors.Is(err, ErrBundleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// StatusCounts returns how many bundles are in each verification status.
func (s *Service) StatusCounts(ctx context.Context) (map[models.VerificationStatus]int64, error) {
	return s.repo.Counts(ctx)
}

// VerifyBundle loads a bundle and verifies it. Verification failures are reported in
// the result; the error is only for lookup problems.
func (s *Service) VerifyBundle(ctx context.Context, id string) (signing.Result, error) {
	b, err := s.GetBundle(ctx, id)
	if err != nil {
		return signing.Result{}, err
	}
	res := Verify(s.verifier, b)
	if !res.Verified || s.log == nil {
		return res, nil
	}

	// the recorded root must also be the root the log reports for that size
	root, err := s.log.Root(ctx, b.InclusionProof.TreeSize)
	if err != nil {
		return signing.Result{Verified: false, Reason: "log root unavailable: " + err.Error()}, nil
	}
	if root != *b.RootHash {
		return signing.Result{Verified: false, Reason: "root not published by transparency log"}, nil
	}
	return res, nil
}

// Verify recomputes the content hash from the bundle's decision and then checks the
// inclusion proof and signature.
func Verify(v signing.Verifier, b *models.EvidenceBundle) signing.Result {
	hash, err := ContentHash(b.Decision)
	if err != nil {
		return signing.Result{Verified: false, Reason: err.Error()}
	}
	if hash != b.ContentHash {
		return signing.Result{Verified: false, Reason: "content hash does not match decision"}
	}
	if b.BundleID != "" && b.BundleID != hash.String() {
		return signing.Result{Verified: false, Reason: "bundle id does not match content hash"}
	}
	return signing.VerifyBundle(v, b)
}
