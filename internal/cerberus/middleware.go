package cerberus

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/models"
)

// DecisionKey is the gin context key holding the request's models.Decision.
const DecisionKey = "cerberus.decision"

// Response headers set on every evaluated request.
const (
	HeaderLimit           = "X-RateLimit-Limit"
	HeaderRemaining       = "X-RateLimit-Remaining"
	HeaderReset           = "X-RateLimit-Reset"
	HeaderDecision        = "X-Cerberus-Decision"
	HeaderShadowViolation = "X-Cerberus-Shadow-Violation"
)

// Middleware returns a Gin middleware that evaluates each request by client IP.
// Denied requests are answered with 429 and never reach the handler.
func (c *Cerberus) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		now := c.now()
		d := c.Evaluate(ctx.ClientIP(), now, c.cfg.ShadowMode)
		ctx.Set(DecisionKey, d)

		h := ctx.Writer.Header()
		h.Set(HeaderLimit, strconv.Itoa(d.Quota.Limit))
		h.Set(HeaderRemaining, strconv.Itoa(d.Quota.Remaining))
		h.Set(HeaderReset, strconv.FormatInt(d.Quota.ResetAt.Unix(), 10))
		h.Set(HeaderDecision, string(d.Outcome))
		if d.ShadowViolation() {
			h.Set(HeaderShadowViolation, d.Guardrail)
		}

		if d.Outcome == models.OutcomeDenied {
			retry := RetryAfter(d, now)
			h.Set("Retry-After", strconv.Itoa(retry))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       d.Reason,
				"guardrail":   d.Guardrail,
				"decision_id": d.ID,
				"retry_after": retry,
			})
			return
		}
		ctx.Next()
	}
}

// DecisionFrom returns the decision Middleware stored on ctx.
func DecisionFrom(ctx *gin.Context) (models.Decision, bool) {
	v, ok := ctx.Get(DecisionKey)
	if !ok {
		return models.Decision{}, false
	}
	d, ok := v.(models.Decision)
	return d, ok
}
