package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dsplink/pkg/config"
	apperrors "dsplink/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

// clientIP extracts the IP part from the request's remote address.
func clientIP(r *http.Request) string {
	// Try X-Forwarded-For first (behind proxies)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
// Requests to longLived routes still spend a rate token but hold no
// max_concurrent slot, since they stay open for as long as a viewer does.
func NewHTTPRateLimitMiddleware(cfg *config.Config, longLived ...string) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := cfg.RateLimiting.HTTP.RequestsPerSecond
	burst := cfg.RateLimiting.HTTP.Burst

	store := newRateLimiterStore(rate.Limit(rps), burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}
	unbounded := make(map[string]bool, len(longLived))
	for _, route := range longLived {
		unbounded[route] = true
	}

	return func(c *gin.Context) {
		// Global concurrent requests throttling
		if globalSem != nil && !unbounded[c.FullPath()] {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   string(apperrors.ErrCodeServiceUnavailable),
					"message": "too many concurrent requests",
				})
				return
			}
		}

		ip := clientIP(c.Request)
		limiter := store.getLimiter(ip)
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          string(apperrors.ErrCodeRateLimit),
				"message":        "rate limit exceeded",
				"retry_after_ms": time.Second.Milliseconds(),
			})
			return
		}
		c.Next()
	}
}

// NewStreamLimitMiddleware caps concurrently open streams. Streams hold
// their request for as long as the viewer stays, so they are counted apart
// from ordinary requests. max <= 0 disables the cap.
func NewStreamLimitMiddleware(max int) gin.HandlerFunc {
	if max <= 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	sem := make(chan struct{}, max)
	return func(c *gin.Context) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		default:
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   string(apperrors.ErrCodeServiceUnavailable),
				"message": "too many open streams",
			})
			return
		}
		c.Next()
	}
}
