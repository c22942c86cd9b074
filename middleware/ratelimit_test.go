package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newLimitedRouter(r rate.Limit, b int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(RateLimit(r, b))
	e.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return e
}

func TestRateLimit_AllowsWithinBurst(t *testing.T) {
	e := newLimitedRouter(1, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_RejectsBeyondBurst(t *testing.T) {
	e := newLimitedRouter(1, 2)
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, w.Code)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)
}
