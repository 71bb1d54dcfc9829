// Package evidence turns admission decisions into signed, log-anchored evidence
// bundles off the request path, and serves them back for audit.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/transparency"
)

const sweepBatch = 100

// ErrDiscarded is returned by Shutdown when queued decisions had to be dropped.
var ErrDiscarded = errors.New("queued evidence discarded")

// Options configures a Submitter.
type Options struct {
	QueueCapacity int
	Workers       int
	Retry         RetryPolicy
	// Timeout bounds every store, log and signing call.
	Timeout time.Duration
	Alerter Alerter
	Now     func() time.Time
}

// Submitter accepts decisions without blocking and drives each one through
// persist, append, sign and verify on background workers.
type Submitter struct {
	repo   *Repository
	log    transparency.Service
	signer signing.Signer
	opts   Options

	queue     *Queue[models.Decision]
	dropped   atomic.Uint64
	abandoned atomic.Int64
	inflight  sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

// NewSubmitter returns a submitter. Call Start before submitting.
func NewSubmitter(repo *Repository, log transparency.Service, signer signing.Signer, opts Options) *Submitter {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Retry.Factor < 1 {
		opts.Retry.Factor = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Submitter{
		repo:   repo,
		log:    log,
		signer: signer,
		opts:   opts,
		queue:  NewQueue[models.Decision](opts.QueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Workers run until Shutdown, not until a caller's context
// ends, so queued evidence can still be drained.
func (s *Submitter) Start() {
	s.start.Do(func() {
		for i := 0; i < s.opts.Workers; i++ {
			s.wg.Add(1)
			go s.work()
		}
		logger.Log().WithFields(logrus.Fields{
			"workers":  s.opts.Workers,
			"capacity": s.opts.QueueCapacity,
		}).Info("evidence submitter started")
	})
}

// Submit enqueues d. It never blocks; when the queue is full the oldest queued
// decision is dropped.
func (s *Submitter) Submit(d models.Decision) {
	dropped, err := s.queue.Push(d)
	if err != nil {
		s.countDropped(1)
		logger.Log().WithField("decision_id", d.ID).Warn("evidence submitter stopped, decision not recorded")
		return
	}
	if dropped {
		s.countDropped(1)
		logger.Log().WithField("dropped_total", s.Dropped()).Warn("evidence queue full, oldest decision dropped")
	}
}

func (s *Submitter) countDropped(n int) {
	s.dropped.Add(uint64(n))
	metrics.AddEvidenceDropped(n)
}

// Dropped returns how many decisions were never turned into bundles.
func (s *Submitter) Dropped() uint64 { return s.dropped.Load() }

// QueueLen returns the number of decisions waiting for a worker.
func (s *Submitter) QueueLen() int { return s.queue.Len() }

func (s *Submitter) work() {
	defer s.wg.Done()
	for s.ctx.Err() == nil {
		d, err := s.queue.Pop(s.ctx)
		if err != nil {
			return
		}
		if s.ctx.Err() != nil {
			// popped while Shutdown was cancelling; Shutdown reports it with the rest
			s.abandoned.Add(1)
			return
		}
		s.process(s.ctx, d)
	}
}

// process turns a fresh decision into a pending bundle and makes the first attempt.
func (s *Submitter) process(ctx context.Context, d models.Decision) {
	hash, err := ContentHash(d)
	if err != nil {
		s.countDropped(1)
		logger.Log().WithError(err).WithField("decision_id", d.ID).Error("cannot hash decision")
		return
	}
	b := &models.EvidenceBundle{
		BundleID:           hash.String(),
		Decision:           d,
		ContentHash:        hash,
		VerificationStatus: models.StatusPending,
		UpdatedAt:          s.opts.Now().UTC(),
	}
	if !s.claim(b.BundleID) {
		return
	}
	defer s.release(b.BundleID)

	if err := s.save(ctx, b, s.lease()); err != nil {
		s.countDropped(1)
		logger.Log().WithError(err).WithFields(logrus.Fields{
			"decision_id": d.ID,
			"bundle_id":   b.BundleID,
		}).Error("cannot persist evidence bundle")
		return
	}
	s.attempt(ctx, b)
}

// RetryDue re-drives pending bundles whose backoff has elapsed. It returns how many
// bundles were attempted.
func (s *Submitter) RetryDue(ctx context.Context) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	ids, err := s.repo.Due(listCtx, s.opts.Now(), sweepBatch)
	cancel()
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if !s.claim(id) {
			continue
		}
		loadCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		b, err := s.repo.Load(loadCtx, id)
		cancel()
		if err != nil {
			s.release(id)
			logger.Log().WithError(err).WithField("bundle_id", id).Warn("cannot load pending bundle")
			continue
		}
		if b.VerificationStatus == models.StatusPending {
			metrics.IncEvidenceRetry()
			s.attempt(ctx, b)
			attempted++
		}
		s.release(id)
	}
	return attempted, nil
}

func (s *Submitter) claim(id string) bool {
	_, busy := s.inflight.LoadOrStore(id, struct{}{})
	return !busy
}

func (s *Submitter) release(id string) { s.inflight.Delete(id) }

// lease keeps a bundle away from the retry sweep while a worker owns it.
func (s *Submitter) lease() *time.Time {
	t := s.opts.Now().Add(3 * s.opts.Timeout).UTC()
	return &t
}

func (s *Submitter) save(ctx context.Context, b *models.EvidenceBundle, next *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	b.UpdatedAt = s.opts.Now().UTC()
	return s.repo.Save(ctx, b, next)
}

// attempt runs one pass of append, sign and verify and records the outcome.
func (s *Submitter) attempt(ctx context.Context, b *models.EvidenceBundle) {
	b.Attempts++
	err := s.anchorAndSign(ctx, b)
	if err == nil {
		res := signing.VerifyBundle(s.signer, b)
		if !res.Verified {
			err = fmt.Errorf("self-verification failed: %s", res.Reason)
		}
	}
	if err != nil {
		s.fail(ctx, b, err)
		return
	}

	b.VerificationStatus = models.StatusVerified
	b.LastError = ""
	if err := s.save(ctx, b, nil); err != nil {
		// stays pending in the index and is signed again on the next sweep
		logger.Log().WithError(err).WithField("bundle_id", b.BundleID).Warn("cannot persist verified bundle")
		return
	}
	metrics.IncEvidenceBundle(string(models.StatusVerified))
	logger.Log().WithFields(logrus.Fields{
		"bundle_id": b.BundleID,
		"log_index": *b.LogIndex,
		"attempts":  b.Attempts,
	}).Debug("evidence bundle verified")
}

func (s *Submitter) anchorAndSign(ctx context.Context, b *models.EvidenceBundle) error {
	if !b.Anchored() {
		appendCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
		res, err := s.log.Append(appendCtx, b.ContentHash)
		cancel()
		if err != nil {
			return fmt.Errorf("append to transparency log: %w", err)
		}
		idx, root, proof := res.Entry.Index, res.RootHash, res.Proof
		b.LogIndex, b.RootHash, b.InclusionProof = &idx, &root, &proof
		// record the index before signing so a retry never appends twice
		if err := s.save(ctx, b, s.lease()); err != nil {
			logger.Log().WithError(err).WithField("bundle_id", b.BundleID).Warn("cannot persist anchored bundle")
		}
	}

	binding := signing.Binding{ContentHash: b.ContentHash, LogIndex: *b.LogIndex, RootHash: *b.RootHash}
	signCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	sig, err := s.signer.Sign(signCtx, signing.EvidencePayloadType, binding.Payload())
	if err != nil {
		return fmt.Errorf("sign evidence: %w", err)
	}
	b.Signature = &sig
	return nil
}

func (s *Submitter) fail(ctx context.Context, b *models.EvidenceBundle, cause error) {
	b.LastError = cause.Error()
	entry := logger.Log().WithError(cause).WithFields(logrus.Fields{
		"bundle_id": b.BundleID,
		"attempts":  b.Attempts,
	})

	var next *time.Time
	if s.opts.Retry.Exhausted(b.Attempts) {
		b.VerificationStatus = models.StatusFailed
		metrics.IncEvidenceBundle(string(models.StatusFailed))
		entry.Error("evidence bundle failed after final attempt")
		if s.opts.Alerter != nil {
			msg := fmt.Sprintf("bundle %s for decision %s failed after %d attempts: %s",
				b.BundleID, b.Decision.ID, b.Attempts, b.LastError)
			if err := s.opts.Alerter.Alert("Cerberus evidence failure", msg); err != nil {
				logger.Log().WithError(err).Warn("cannot send evidence alert")
			}
		}
	} else {
		t := s.opts.Now().Add(s.opts.Retry.Delay(b.Attempts)).UTC()
		next = &t
		entry.WithField("next_attempt_at", t).Warn("evidence attempt failed, bundle left pending")
	}

	if err := s.save(ctx, b, next); err != nil {
		logger.Log().WithError(err).WithField("bundle_id", b.BundleID).Error("cannot persist bundle state")
	}
}

// Shutdown stops accepting decisions and drains the queue until ctx ends. Whatever
// is still queued then is discarded and counted as dropped.
func (s *Submitter) Shutdown(ctx context.Context) error {
	s.queue.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	s.cancel()
	<-done

	n := len(s.queue.Drain()) + int(s.abandoned.Swap(0))
	if n == 0 {
		logger.Log().Info("evidence queue drained")
		return nil
	}
	s.countDropped(n)
	logger.Log().WithField("discarded", n).Warn("shutdown deadline reached, discarding queued decisions")
	return fmt.Errorf("%w: %d decisions", ErrDiscarded, n)
}
