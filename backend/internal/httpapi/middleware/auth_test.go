package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"

	"chainpad/backend/internal/auth"
)

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, extractBearer(""), "")
	assert.Equal(t, extractBearer("Bearer abc"), "abc")
	assert.Equal(t, extractBearer("bearer  abc "), "abc")
	assert.Equal(t, extractBearer("Basic abc"), "")
	assert.Equal(t, extractBearer("Bearer "), "")
}

func serve(mw gin.HandlerFunc, target string, header http.Header) (int, string) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", mw, func(c *gin.Context) { c.String(http.StatusOK, c.GetString("username")) })
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code, w.Body.String()
}

func TestAuthMiddleware(t *testing.T) {
	issuer, _ := auth.NewIssuer("secret", time.Minute)
	token, _, _ := issuer.Sign("alice")

	code, _ := serve(AuthMiddleware(issuer), "/x", nil)
	assert.Equal(t, code, http.StatusUnauthorized)

	code, _ = serve(AuthMiddleware(issuer), "/x?token=garbage", nil)
	assert.Equal(t, code, http.StatusUnauthorized)

	code, body := serve(AuthMiddleware(issuer), "/x", http.Header{"Authorization": {"Bearer " + token}})
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, body, "alice")

	code, body = serve(AuthMiddleware(issuer), "/x?token="+token, nil)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, body, "alice")

	// 不鉴权时名字取自 query
	code, body = serve(AuthMiddleware(nil), "/x?name=bob", nil)
	assert.Equal(t, code, http.StatusOK)
	assert.Equal(t, body, "bob")
}
