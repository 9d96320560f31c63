// Package ratelimit throttles admin API clients by IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// MaxClients bounds tracked clients; the least recently seen is evicted
	MaxClients int
	// IdleTTL forgets a client after this long without requests
	IdleTTL time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		BurstSize:         20,
		MaxClients:        10000,
		IdleTTL:           10 * time.Minute,
	}
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg     Config
	limit   rate.Limit
	clients *expirable.LRU[string, *rate.Limiter]
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &Limiter{
		cfg:     cfg,
		limit:   rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		clients: expirable.NewLRU[string, *rate.Limiter](cfg.MaxClients, nil, cfg.IdleTTL),
	}
}

func (l *Limiter) limiter(key string) *rate.Limiter {
	if lim, ok := l.clients.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.cfg.BurstSize)
	l.clients.Add(key, lim)
	return lim
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.limiter(key).Allow()
}

func (l *Limiter) allowAt(key string, now time.Time) bool {
	return l.limiter(key).AllowN(now, 1)
}

// retryAfter is the whole number of seconds until one token is available.
func (l *Limiter) retryAfter() int {
	if l.limit <= 0 {
		return 60
	}
	return int(math.Ceil(1 / float64(l.limit)))
}

// Middleware returns a Gin middleware that rate limits by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", strconv.Itoa(l.retryAfter()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": l.retryAfter(),
			})
			return
		}
		c.Next()
	}
}
