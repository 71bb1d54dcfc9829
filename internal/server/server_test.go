package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/cerberus/internal/api/handlers"
	"github.com/Wikid82/cerberus/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Environment: "test",
		Admission: config.AdmissionConfig{
			RateLimitPerMinute: 100,
			BurstLimit:         1,
			StateTTL:           config.MinStateTTL,
			CleanupInterval:    time.Minute,
		},
		Evidence: config.EvidenceConfig{
			SigningBackend: config.SigningBackendLocal,
			QueueCapacity:  16,
			Retry:          config.RetryConfig{Base: time.Second, Cap: time.Minute},
			Timeout:        time.Second,
			Store:          config.EvidenceStoreDB,
		},
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := New(handlers.OpenTestDB(t), cfg)
	require.NoError(t, err)
	return s
}

func TestNew_Middleware(t *testing.T) {
	s := newTestServer(t, testConfig())
	t.Cleanup(func() { _ = s.Close() })

	w := httptest.NewRecorder()
	s.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	w = httptest.NewRecorder()
	s.Engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNew_TrustedProxies(t *testing.T) {
	cfg := testConfig()
	cfg.TrustedProxies = []string{"10.0.0.0/8"}
	s := newTestServer(t, cfg)
	t.Cleanup(func() { _ = s.Close() })

	call := func(remote, forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/log/root", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwarded)
		w := httptest.NewRecorder()
		s.Engine.ServeHTTP(w, req)
		return w.Code
	}

	// behind the trusted proxy each forwarded client has its own window
	assert.Equal(t, http.StatusOK, call("10.1.1.1:1000", "203.0.113.1"))
	assert.Equal(t, http.StatusOK, call("10.1.1.1:1000", "203.0.113.2"))

	// an untrusted peer cannot choose its key by spoofing the header
	assert.Equal(t, http.StatusOK, call("198.51.100.9:1000", "203.0.113.3"))
	assert.Equal(t, http.StatusTooManyRequests, call("198.51.100.9:1000", "203.0.113.4"))
}

func TestNew_InvalidTrustedProxy(t *testing.T) {
	cfg := testConfig()
	cfg.TrustedProxies = []string{"not-a-cidr"}
	_, err := New(handlers.OpenTestDB(t), cfg)
	var cfgErr *config.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRun_GracefulShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	cfg := testConfig()
	cfg.HTTPPort = strconv.Itoa(port)
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	url := "http://127.0.0.1:" + cfg.HTTPPort + "/api/v1/health"
	assert.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("server did not stop")
	}
}
