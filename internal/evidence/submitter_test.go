package evidence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/signing"
	"github.com/Wikid82/cerberus/internal/transparency"
)

var errOutage = errors.New("backend down")

// flakyLog fails appends while down is set.
type flakyLog struct {
	*transparency.Log
	down    atomic.Bool
	appends atomic.Int32
}

func (f *flakyLog) Append(ctx context.Context, leaf models.Hash) (*transparency.AppendResult, error) {
	if f.down.Load() {
		return nil, errOutage
	}
	f.appends.Add(1)
	return f.Log.Append(ctx, leaf)
}

// flakySigner fails signing while down is set.
type flakySigner struct {
	signing.Signer
	down atomic.Bool
}

func (f *flakySigner) Sign(ctx context.Context, payloadType string, payload []byte) (models.Signature, error) {
	if f.down.Load() {
		return models.Signature{}, errOutage
	}
	return f.Signer.Sign(ctx, payloadType, payload)
}

// stalledLog blocks every Append until its context ends.
type stalledLog struct {
	*transparency.Log
	entered chan struct{}
	once    sync.Once
}

func (l *stalledLog) Append(ctx context.Context, _ models.Hash) (*transparency.AppendResult, error) {
	l.once.Do(func() { close(l.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (r *recordingAlerter) Alert(title, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, title+": "+message)
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type fixture struct {
	db     *gorm.DB
	repo   *Repository
	log    *flakyLog
	signer *flakySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, db := newTestRepo(t)
	signer, err := signing.NewEphemeral()
	require.NoError(t, err)
	return &fixture{
		db:     db,
		repo:   repo,
		log:    &flakyLog{Log: transparency.NewLog(db)},
		signer: &flakySigner{Signer: signer},
	}
}

func (f *fixture) submitter(opts Options) *Submitter {
	if opts.Retry.BaseDelay == 0 {
		opts.Retry = RetryPolicy{BaseDelay: 5 * time.Millisecond, Factor: 2, MaxDelay: 20 * time.Millisecond, MaxAttempts: opts.Retry.MaxAttempts}
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	return NewSubmitter(f.repo, f.log, f.signer, opts)
}

// status loads the bundle for d, or nil when it is not stored yet.
func (f *fixture) status(d models.Decision) *models.EvidenceBundle {
	hash, err := ContentHash(d)
	if err != nil {
		return nil
	}
	b, err := f.repo.Load(context.Background(), hash.String())
	if err != nil {
		return nil
	}
	return b
}

func TestSubmitter_ProducesVerifiedBundles(t *testing.T) {
	f := newFixture(t)
	s := f.submitter(Options{QueueCapacity: 16})
	s.Start()

	var decisions []models.Decision
	for i := 0; i < 5; i++ {
		d := testDecision("10.0.0.1", models.OutcomeAllowed, time.Now())
		decisions = append(decisions, d)
		s.Submit(d)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	seen := map[uint64]bool{}
	for _, d := range decisions {
		b := f.status(d)
		require.NotNil(t, b)
		assert.Equal(t, models.StatusVerified, b.VerificationStatus)
		assert.Equal(t, 1, b.Attempts)
		require.True(t, b.Anchored())
		assert.False(t, seen[*b.LogIndex], "log index reused")
		seen[*b.LogIndex] = true
		assert.True(t, Verify(f.signer, b).Verified)
	}
	assert.Equal(t, uint64(0), s.Dropped())
	assert.Equal(t, uint64(5), f.log.Size())
}

func TestSubmitter_OutageLeavesPendingThenRecovers(t *testing.T) {
	f := newFixture(t)
	f.log.down.Store(true)
	s := f.submitter(Options{})
	s.Start()
	defer func() { _ = s.Shutdown(context.Background()) }()

	d := testDecision("10.0.0.9", models.OutcomeDenied, time.Now())
	s.Submit(d)

	require.Eventually(t, func() bool {
		b := f.status(d)
		return b != nil && b.Attempts == 1 && b.LastError != ""
	}, 2*time.Second, 5*time.Millisecond)

	b := f.status(d)
	assert.Equal(t, models.StatusPending, b.VerificationStatus)
	assert.False(t, b.Anchored())
	assert.Contains(t, b.LastError, errOutage.Error())

	f.log.down.Store(false)
	require.Eventually(t, func() bool {
		if _, err := s.RetryDue(context.Background()); err != nil {
			return false
		}
		b := f.status(d)
		return b != nil && b.VerificationStatus == models.StatusVerified
	}, 2*time.Second, 10*time.Millisecond)

	b = f.status(d)
	assert.Equal(t, 2, b.Attempts)
	assert.Empty(t, b.LastError)
	assert.True(t, Verify(f.signer, b).Verified)
}

func TestSubmitter_SigningRetryDoesNotReappend(t *testing.T) {
	f := newFixture(t)
	f.signer.down.Store(true)
	s := f.submitter(Options{})
	s.Start()
	defer func() { _ = s.Shutdown(context.Background()) }()

	d := testDecision("10.0.0.5", models.OutcomeAllowed, time.Now())
	s.Submit(d)

	require.Eventually(t, func() bool {
		b := f.status(d)
		return b != nil && b.Attempts >= 1 && b.Anchored()
	}, 2*time.Second, 5*time.Millisecond)

	f.signer.down.Store(false)
	require.Eventually(t, func() bool {
		if _, err := s.RetryDue(context.Background()); err != nil {
			return false
		}
		b := f.status(d)
		return b != nil && b.VerificationStatus == models.StatusVerified
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), f.log.appends.Load())
	assert.Equal(t, uint64(1), f.log.Size())
}

func TestSubmitter_FailsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.log.down.Store(true)
	alerts := &recordingAlerter{}
	s := f.submitter(Options{Retry: RetryPolicy{MaxAttempts: 3}, Alerter: alerts})
	s.Start()
	defer func() { _ = s.Shutdown(context.Background()) }()

	d := testDecision("10.0.0.7", models.OutcomeAllowed, time.Now())
	s.Submit(d)

	require.Eventually(t, func() bool {
		if _, err := s.RetryDue(context.Background()); err != nil {
			return false
		}
		b := f.status(d)
		return b != nil && b.VerificationStatus == models.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	b := f.status(d)
	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, 1, alerts.count())

	// failed bundles are no longer swept
	n, err := s.RetryDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmitter_DropsOldestUnderBackpressure(t *testing.T) {
	f := newFixture(t)
	s := f.submitter(Options{QueueCapacity: 2})

	for i := 0; i < 5; i++ {
		s.Submit(testDecision("10.0.0.1", models.OutcomeAllowed, time.Now()))
	}
	assert.Equal(t, uint64(3), s.Dropped())
	assert.Equal(t, 2, s.QueueLen())
}

func TestSubmitter_ShutdownDiscardsAfterDeadline(t *testing.T) {
	f := newFixture(t)
	s := f.submitter(Options{QueueCapacity: 8})
	for i := 0; i < 4; i++ {
		s.Submit(testDecision("10.0.0.1", models.OutcomeAllowed, time.Now()))
	}

	// workers never started, so nothing drains before the deadline
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Shutdown(ctx)
	assert.ErrorIs(t, err, ErrDiscarded)
	assert.Equal(t, uint64(4), s.Dropped())
	assert.Equal(t, 0, s.QueueLen())

	s.Submit(testDecision("10.0.0.1", models.OutcomeAllowed, time.Now()))
	assert.Equal(t, uint64(5), s.Dropped(), "submissions after shutdown are counted")
}

func TestSubmitter_ShutdownDiscardsQueuedBehindStalledWorker(t *testing.T) {
	f := newFixture(t)
	log := &stalledLog{Log: transparency.NewLog(f.db), entered: make(chan struct{})}
	s := NewSubmitter(f.repo, log, f.signer, Options{
		QueueCapacity: 8,
		Workers:       1,
		Timeout:       time.Minute,
		Retry:         RetryPolicy{BaseDelay: time.Second, Factor: 2, MaxDelay: time.Minute},
	})
	s.Start()

	var decisions []models.Decision
	for i := 0; i < 5; i++ {
		d := testDecision("10.0.0.1", models.OutcomeAllowed, time.Now())
		decisions = append(decisions, d)
		s.Submit(d)
	}
	select {
	case <-log.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached the log")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	require.ErrorIs(t, err, ErrDiscarded)
	assert.Contains(t, err.Error(), "4 decisions")
	assert.Equal(t, uint64(4), s.Dropped())
	assert.Equal(t, 0, s.QueueLen())

	// the in-flight decision was persisted before the stall and stays retryable
	b := f.status(decisions[0])
	require.NotNil(t, b)
	assert.Equal(t, models.StatusPending, b.VerificationStatus)
	for _, d := range decisions[1:] {
		assert.Nil(t, f.status(d))
	}
}
