package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"aistudio2api-go/internal/handlers/common"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultRateRPS   = 10
	defaultRateBurst = 20
	// globalRateFactor scales the per-client budget into the gateway-wide one.
	globalRateFactor = 5
	bucketIdleTTL    = 15 * time.Minute
	bucketSweepEvery = 2 * time.Minute
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// clientBuckets hands out one token bucket per client key. Buckets idle for
// longer than idle are dropped by a sweep that runs on insert.
type clientBuckets struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	items     map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func newClientBuckets(rps, burst int, idle time.Duration) *clientBuckets {
	return &clientBuckets{
		limit: rate.Limit(rps),
		burst: burst,
		idle:  idle,
		items: make(map[string]*bucket),
		now:   time.Now,
	}
}

func (b *clientBuckets) allow(key string) bool {
	now := b.now()
	b.mu.Lock()
	entry, ok := b.items[key]
	if !ok {
		entry = &bucket{lim: rate.NewLimiter(b.limit, b.burst)}
		b.items[key] = entry
		if now.Sub(b.lastSweep) > bucketSweepEvery {
			b.sweepLocked(now)
		}
		SetRateLimitKeyGauge(len(b.items))
	}
	entry.seen = now
	lim := entry.lim
	b.mu.Unlock()
	return lim.AllowN(now, 1)
}

func (b *clientBuckets) sweepLocked(now time.Time) {
	for k, e := range b.items {
		if !e.seen.IsZero() && now.Sub(e.seen) > b.idle {
			delete(b.items, k)
		}
	}
	b.lastSweep = now
	RecordRateLimitSweep()
}

func (b *clientBuckets) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// RateLimiterAutoKey limits each client to rps requests per second. A client
// is identified by its API key when it sends one, otherwise by IP. A
// gateway-wide bucket with globalRateFactor times the budget sits in front.
func RateLimiterAutoKey(rps int, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = defaultRateRPS
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}
	clients := newClientBuckets(rps, burst, bucketIdleTTL)
	global := rate.NewLimiter(rate.Limit(rps*globalRateFactor), burst*globalRateFactor)
	return func(c *gin.Context) {
		if !global.Allow() {
			common.AbortWithError(c, http.StatusTooManyRequests, "rate_limit_error", "Global rate limit exceeded")
			return
		}
		if !clients.allow(limiterKey(c)) {
			common.AbortWithError(c, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

// limiterKey prefers the key accepted by APIKeyAuth, then whatever key the
// client presented, then the client IP.
func limiterKey(c *gin.Context) string {
	if s := strings.TrimSpace(c.GetString("api_key")); s != "" {
		return "key:" + s
	}
	if s := strings.TrimSpace(presentedKey(c)); s != "" {
		return "key:" + s
	}
	return "ip:" + c.ClientIP()
}
