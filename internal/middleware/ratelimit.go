package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-engine/internal/response"
)

// KeyFunc selects the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ByClientIP charges requests to the client address.
func ByClientIP(c *gin.Context) string { return c.ClientIP() }

// ByTokenSubject charges requests to the authenticated subject, falling back
// to the client address. Must run after a JWT middleware.
func ByTokenSubject(c *gin.Context) string {
	if claims := GetClaims(c); claims != nil {
		return "sub:" + claims.Subject
	}
	return c.ClientIP()
}

// RateLimiter implements a simple keyed token bucket rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // Tokens per interval
	interval time.Duration // Refill interval
	key      KeyFunc
	now      func() time.Time
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

// NewRateLimiter creates a RateLimiter (e.g., 30 connects per minute per participant).
func NewRateLimiter(rate int, interval time.Duration, key KeyFunc) *RateLimiter {
	if key == nil {
		key = ByClientIP
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		interval: interval,
		key:      key,
		now:      time.Now,
	}
}

// Middleware returns a Gin middleware that rate-limits requests by key.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.allow(rl.key(c)) {
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{tokens: rl.rate, lastSeen: now}
		rl.visitors[key] = v
	}

	// Refill tokens based on elapsed time.
	refill := int(now.Sub(v.lastSeen)/rl.interval) * rl.rate
	if refill > 0 {
		v.tokens += refill
		if v.tokens > rl.rate {
			v.tokens = rl.rate
		}
		v.lastSeen = now
	}

	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// Cleanup drops visitors idle for longer than three intervals. Run it
// periodically from the owner of the limiter.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if rl.now().Sub(v.lastSeen) > 3*rl.interval {
			delete(rl.visitors, key)
		}
	}
}
