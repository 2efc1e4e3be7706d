package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"dsplink/pkg/config"

	"github.com/gin-gonic/gin"
)

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected status 200 on second request, got %d", w2.Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// First request should pass.
	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w1.Code)
	}

	// Second immediate request from same "IP" should be limited.
	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodGet, "/test", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w2.Code)
	}
}

func TestHTTPRateLimitMiddleware_StreamsHoldNoConcurrencySlot(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 100
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	hold := make(chan struct{})
	entered := make(chan string, 3)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg, "/api/v1/meters/stream"))
	router.GET("/api/v1/meters/stream", func(c *gin.Context) {
		entered <- "stream"
		<-hold
		c.Status(http.StatusOK)
	})
	router.GET("/slow", func(c *gin.Context) {
		entered <- "slow"
		<-hold
		c.Status(http.StatusOK)
	})
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	serve := func(path string) (*httptest.ResponseRecorder, chan struct{}) {
		w := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			close(done)
		}()
		return w, done
	}

	// Two open streams leave the only slot free.
	_, streamA := serve("/api/v1/meters/stream")
	_, streamB := serve("/api/v1/meters/stream")
	<-entered
	<-entered
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 while streams are open, got %d", w.Code)
	}

	// An ordinary slow request still takes it.
	_, slow := serve("/slow")
	<-entered
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the slot is taken, got %d", w.Code)
	}

	close(hold)
	<-streamA
	<-streamB
	<-slow
}

func TestClientIP_UsesFirstForwardedAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}
}

func TestStreamLimitMiddleware_RejectsOverCap(t *testing.T) {
	gin.SetMode(gin.TestMode)

	release := make(chan struct{})
	entered := make(chan struct{})
	router := gin.New()
	router.Use(NewStreamLimitMiddleware(1))
	router.GET("/stream", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/stream", nil))
		close(done)
	}()
	<-entered

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if second.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the slot is taken, got %d", second.Code)
	}

	close(release)
	<-done
	if first.Code != http.StatusOK {
		t.Fatalf("expected first stream to finish with 200, got %d", first.Code)
	}
}
