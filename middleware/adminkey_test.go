package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newAdminRouter(key string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(AdminKey(key))
	e.GET("/admin", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return e
}

func TestAdminKey_CorrectKey(t *testing.T) {
	e := newAdminRouter("sesame")
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(AdminKeyHeader, "sesame")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminKey_WrongKey(t *testing.T) {
	e := newAdminRouter("sesame")
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(AdminKeyHeader, "open")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminKey_Unconfigured(t *testing.T) {
	e := newAdminRouter("")
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set(AdminKeyHeader, "anything")
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
