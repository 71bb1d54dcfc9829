package models

import (
	"time"
)

// Outcome is the result of an admission evaluation.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeDenied   Outcome = "denied"
	OutcomeDegraded Outcome = "degraded"
)

// Guardrails that can trigger a denial or a shadow violation.
const (
	GuardrailNone            = ""
	GuardrailRateLimit       = "rate_limit"
	GuardrailBurstProtection = "burst_protection"
)

// Decision records a single admission evaluation so it can be audited, signed and
// anchored in the transparency log. Decisions are values and are never mutated.
type Decision struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	ClientKey  string            `json:"client_key"`
	Outcome    Outcome           `json:"outcome"`
	Guardrail  string            `json:"guardrail,omitempty"` // rate_limit, burst_protection
	ShadowMode bool              `json:"shadow_mode"`
	Reason     string            `json:"reason"`
	Quota      Quota             `json:"quota"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Quota is the rate-limit signal returned to callers alongside the outcome.
type Quota struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Allowed reports whether the request may proceed. Shadow violations are allowed.
func (d Decision) Allowed() bool {
	return d.Outcome != OutcomeDenied
}

// ShadowViolation reports whether a guardrail fired but was not enforced.
func (d Decision) ShadowViolation() bool {
	return d.ShadowMode && d.Guardrail != GuardrailNone && d.Outcome == OutcomeAllowed
}
