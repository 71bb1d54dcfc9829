// Package cerberus is the admission engine. It decides per request whether a client
// may proceed, based on the whitelist, per-client rate and burst windows and the
// configured mode, and hands every decision to the evidence pipeline.
package cerberus

import (
	"math"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/models"
	"github.com/Wikid82/cerberus/internal/ratestate"
)

// Recorder receives decisions for evidence generation. Submit must not block.
type Recorder interface {
	Submit(models.Decision)
}

type discard struct{}

func (discard) Submit(models.Decision) {}

// violationLogInterval bounds how often denials and shadow violations reach the log.
// Every decision is still counted in metrics and recorded as evidence.
const violationLogInterval = time.Second

// sampledLog writes at most one line per interval and reports how many it skipped.
type sampledLog struct {
	every      rate.Sometimes
	suppressed atomic.Int64
}

func (s *sampledLog) log(write func(suppressed int64)) {
	ran := false
	s.every.Do(func() {
		ran = true
		write(s.suppressed.Swap(0))
	})
	if !ran {
		s.suppressed.Add(1)
	}
}

// Cerberus evaluates requests. The configuration is fixed for the life of the engine.
type Cerberus struct {
	cfg      config.AdmissionConfig
	store    *ratestate.Store
	recorder Recorder
	now      func() time.Time

	denyLog   *sampledLog
	shadowLog *sampledLog
}

// New creates an engine over store. A nil recorder discards decisions.
func New(cfg config.AdmissionConfig, store *ratestate.Store, recorder Recorder) *Cerberus {
	if recorder == nil {
		recorder = discard{}
	}
	return &Cerberus{
		cfg:       cfg,
		store:     store,
		recorder:  recorder,
		now:       time.Now,
		denyLog:   &sampledLog{every: rate.Sometimes{First: 1, Interval: violationLogInterval}},
		shadowLog: &sampledLog{every: rate.Sometimes{First: 1, Interval: violationLogInterval}},
	}
}

// ShadowMode reports whether guardrails are recorded without being enforced.
func (c *Cerberus) ShadowMode() bool { return c.cfg.ShadowMode }

// Whitelisted reports whether clientKey falls in any whitelist rule.
func (c *Cerberus) Whitelisted(clientKey string) bool {
	if len(c.cfg.Whitelist) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientKey)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.cfg.Whitelist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Check evaluates clientKey now, in the configured mode.
func (c *Cerberus) Check(clientKey string) models.Decision {
	return c.Evaluate(clientKey, c.now(), c.cfg.ShadowMode)
}

// Evaluate decides a single request and submits the decision for evidence. It never
// fails. Violation log lines are sampled so a denial flood does not turn into log I/O
// on every request.
func (c *Cerberus) Evaluate(clientKey string, now time.Time, shadow bool) models.Decision {
	d := c.decide(clientKey, now, shadow)

	metrics.IncDecision(string(d.Outcome), d.Guardrail)
	switch {
	case d.ShadowViolation():
		metrics.IncShadowViolation(d.Guardrail)
		c.shadowLog.log(func(suppressed int64) {
			violationEntry("shadow", d, suppressed).Info("guardrail violated in shadow mode")
		})
	case d.Outcome == models.OutcomeDenied:
		c.denyLog.log(func(suppressed int64) {
			violationEntry("deny", d, suppressed).Warn("request denied")
		})
	}

	c.recorder.Submit(d)
	return d
}

func violationEntry(decision string, d models.Decision, suppressed int64) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"source":     "cerberus",
		"decision":   decision,
		"guardrail":  d.Guardrail,
		"client":     d.ClientKey,
		"suppressed": suppressed,
	})
}

func (c *Cerberus) decide(clientKey string, now time.Time, shadow bool) models.Decision {
	d := models.Decision{
		ID:         uuid.NewString(),
		Timestamp:  now.UTC(),
		ClientKey:  clientKey,
		Outcome:    models.OutcomeAllowed,
		Guardrail:  models.GuardrailNone,
		ShadowMode: shadow,
	}

	if c.Whitelisted(clientKey) {
		d.Reason = "client is whitelisted"
		d.Quota = models.Quota{Limit: c.cfg.RateLimitPerMinute, Remaining: c.cfg.RateLimitPerMinute, ResetAt: d.Timestamp}
		d.Metadata = map[string]string{"whitelisted": "true"}
		return d
	}

	counts := c.store.Increment(clientKey, now)
	d.Quota = models.Quota{
		Limit:     c.cfg.RateLimitPerMinute,
		Remaining: max(0, c.cfg.RateLimitPerMinute-counts.Minute),
		ResetAt:   counts.ResetAt.UTC(),
	}
	d.Metadata = map[string]string{
		"minute_count": strconv.Itoa(counts.Minute),
		"burst_count":  strconv.Itoa(counts.Burst),
	}

	// burst wins when both thresholds are crossed
	switch {
	case counts.Burst > c.cfg.BurstLimit:
		d.Guardrail = models.GuardrailBurstProtection
		d.Reason = "burst limit exceeded"
	case counts.Minute > c.cfg.RateLimitPerMinute:
		d.Guardrail = models.GuardrailRateLimit
		d.Reason = "rate limit exceeded"
	default:
		d.Reason = "within limits"
		return d
	}

	if shadow {
		d.Reason = "shadow mode: " + d.Reason
		return d
	}
	d.Outcome = models.OutcomeDenied
	return d
}

// RetryAfter returns how long a denied client should wait, in whole seconds, at least one.
func RetryAfter(d models.Decision, now time.Time) int {
	wait := d.Quota.ResetAt.Sub(now)
	if d.Guardrail == models.GuardrailBurstProtection && wait > ratestate.BurstWindow {
		wait = ratestate.BurstWindow
	}
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Status describes the engine configuration and live state.
type Status struct {
	ShadowMode         bool     `json:"shadow_mode"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	BurstLimit         int      `json:"burst_limit"`
	Whitelist          []string `json:"whitelist"`
	TrackedClients     int      `json:"tracked_clients"`
}

// Status returns a snapshot for the security status endpoint.
func (c *Cerberus) Status() Status {
	rules := make([]string, 0, len(c.cfg.Whitelist))
	for _, p := range c.cfg.Whitelist {
		rules = append(rules, p.String())
	}
	return Status{
		ShadowMode:         c.cfg.ShadowMode,
		RateLimitPerMinute: c.cfg.RateLimitPerMinute,
		BurstLimit:         c.cfg.BurstLimit,
		Whitelist:          rules,
		TrackedClients:     c.store.Len(),
	}
}
