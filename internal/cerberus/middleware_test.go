package cerberus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/models"
)

func setupRouter(t *testing.T, cfg config.AdmissionConfig) (*gin.Engine, *Cerberus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, _ := newEngine(t, cfg)
	c.now = func() time.Time { return base.Add(500 * time.Millisecond) }

	r := gin.New()
	r.Use(c.Middleware())
	r.GET("/resource", func(ctx *gin.Context) {
		d, ok := DecisionFrom(ctx)
		require.True(t, ok)
		ctx.JSON(http.StatusOK, gin.H{"decision": d.ID})
	})
	return r, c
}

func doRequest(r *gin.Engine, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsQuotaHeaders(t *testing.T) {
	r, _ := setupRouter(t, config.AdmissionConfig{RateLimitPerMinute: 2, BurstLimit: 10})

	w := doRequest(r, "10.0.0.1:4321")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderLimit))
	assert.Equal(t, "1", w.Header().Get(HeaderRemaining))
	assert.Equal(t, strconv.FormatInt(base.Add(time.Minute).Unix(), 10), w.Header().Get(HeaderReset))
	assert.Equal(t, string(models.OutcomeAllowed), w.Header().Get(HeaderDecision))
	assert.Empty(t, w.Header().Get(HeaderShadowViolation))
}

func TestMiddleware_DeniesWith429(t *testing.T) {
	r, _ := setupRouter(t, config.AdmissionConfig{RateLimitPerMinute: 2, BurstLimit: 10})

	doRequest(r, "10.0.0.2:1")
	doRequest(r, "10.0.0.2:1")
	w := doRequest(r, "10.0.0.2:1")

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))
	assert.Equal(t, string(models.OutcomeDenied), w.Header().Get(HeaderDecision))
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.GuardrailRateLimit, body["guardrail"])
	assert.NotEmpty(t, body["decision_id"])

	// other clients are unaffected
	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.3:1").Code)
}

func TestMiddleware_ShadowViolationHeader(t *testing.T) {
	r, _ := setupRouter(t, config.AdmissionConfig{RateLimitPerMinute: 1, BurstLimit: 10, ShadowMode: true})

	doRequest(r, "10.0.0.4:1")
	w := doRequest(r, "10.0.0.4:1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.GuardrailRateLimit, w.Header().Get(HeaderShadowViolation))
	assert.Equal(t, string(models.OutcomeAllowed), w.Header().Get(HeaderDecision))
}

func TestMiddleware_WhitelistBypassesLimits(t *testing.T) {
	r, _ := setupRouter(t, config.AdmissionConfig{
		RateLimitPerMinute: 1,
		BurstLimit:         1,
		Whitelist:          whitelist(t, "172.18.0.0/16"),
	})
	for i := 0; i < 20; i++ {
		require.Equal(t, http.StatusOK, doRequest(r, "172.18.5.5:80").Code)
	}
}
