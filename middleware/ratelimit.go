package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kendall-kelly/support-relay-api/metrics"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-caller token bucket pool. Idle buckets are evicted
// after ttl so the map only holds recently active callers.
type RateLimiter struct {
	mu      sync.Mutex
	m       map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	stopOnce sync.Once
	stop     chan struct{}
}

// NewRateLimiter allows rps sends per second per caller with the given burst.
func NewRateLimiter(rps float64, burst int, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		m:       make(map[string]*limiterEntry),
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     10 * time.Minute,
		now:     time.Now,
		metrics: m,
		stop:    make(chan struct{}),
	}
}

// Allow reports whether key may proceed now.
func (p *RateLimiter) Allow(key string) bool {
	p.mu.Lock()
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{l: rate.NewLimiter(p.limit, p.burst)}
		p.m[key] = e
	}
	e.lastSeen = p.now()
	l := e.l
	p.mu.Unlock()

	return l.Allow()
}

// retryAfter is the whole number of seconds until one token refills.
func (p *RateLimiter) retryAfter() string {
	if p.limit <= 0 {
		return "60"
	}
	secs := math.Ceil(1 / float64(p.limit))
	return strconv.Itoa(int(min(secs, 3600)))
}

// Len returns the number of tracked callers.
func (p *RateLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// Sweep drops buckets not used since the ttl.
func (p *RateLimiter) Sweep() {
	cutoff := p.now().Add(-p.ttl)
	p.mu.Lock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
	p.mu.Unlock()
}

// StartCleanup sweeps every period until Stop is called.
func (p *RateLimiter) StartCleanup(period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Sweep()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop ends the cleanup loop.
func (p *RateLimiter) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Middleware rejects callers over their budget with 429. It must run after
// EnsureValidToken; requests without a user id are keyed by client IP.
func (p *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := GetUserID(c)
		if err != nil {
			key = "ip:" + c.ClientIP()
		}

		if !p.Allow(key) {
			p.metrics.RateLimited()
			c.Header("Retry-After", p.retryAfter())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "Too many messages, slow down",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
