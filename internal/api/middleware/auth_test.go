package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Wikid82/cerberus/internal/authority"
)

func protectedRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func call(r *gin.Engine, authz string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", "/test", nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	r := protectedRouter(APIToken(string(hash)))

	w := call(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Authorization header required")

	assert.Equal(t, http.StatusUnauthorized, call(r, "Bearer wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "Basic s3cret").Code)
	assert.Equal(t, http.StatusOK, call(r, "Bearer s3cret").Code)
}

func TestAPIToken_OpenWhenUnset(t *testing.T) {
	r := protectedRouter(APIToken(""))
	assert.Equal(t, http.StatusOK, call(r, "").Code)
}

func TestAuthorityToken(t *testing.T) {
	r := protectedRouter(AuthorityToken("shared"))

	assert.Equal(t, http.StatusUnauthorized, call(r, "").Code)

	good, err := authority.NewToken([]byte("shared"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call(r, "Bearer "+good).Code)

	wrongKey, err := authority.NewToken([]byte("other"), time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(r, "Bearer "+wrongKey).Code)

	expired, err := authority.NewToken([]byte("shared"), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(r, "Bearer "+expired).Code)
}

func TestAuthorityToken_EmptySecretRejectsAll(t *testing.T) {
	r := protectedRouter(AuthorityToken(""))
	tok, err := authority.NewToken([]byte(""), time.Now())
	if err == nil {
		assert.Equal(t, http.StatusUnauthorized, call(r, "Bearer "+tok).Code)
	}
}
