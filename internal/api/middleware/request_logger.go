package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Wikid82/cerberus/internal/cerberus"
)

// RequestLogger logs each request with its request_id and, when the admission engine
// ran, the decision it reached.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := map[string]interface{}{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    SanitizePath(c.Request.URL.Path),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}
		if d, ok := cerberus.DecisionFrom(c); ok {
			fields["decision"] = d.Outcome
			fields["decision_id"] = d.ID
			if d.Guardrail != "" {
				fields["guardrail"] = d.Guardrail
			}
		}
		GetRequestLogger(c).WithFields(fields).Info("handled request")
	}
}
