package controller

import (
	"math"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	ctypes "github.com/canopy-network/custodyx/app/custodian/controller/types"
	"github.com/canopy-network/custodyx/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

// DefaultLimiterIdle is how long a key may go unseen before its bucket is dropped.
const DefaultLimiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// RateLimiter keeps one token bucket per identity, or per client address before
// authentication. Buckets idle for longer than the idle timeout are evicted by a sweep
// that runs inline, at most once per timeout.
type RateLimiter struct {
	visitors  *xsync.Map[string, *visitor]
	rate      rate.Limit
	burst     int
	idle      time.Duration
	lastSweep atomic.Int64
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewRateLimiter(requestsPerSecond float64, burst int, m *metrics.Metrics) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimiter{
		visitors: xsync.NewMap[string, *visitor](),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		metrics:  m,
		now:      time.Now,
	}
	rl.SetIdleTimeout(DefaultLimiterIdle)
	rl.lastSweep.Store(rl.now().UnixNano())
	return rl
}

// SetIdleTimeout sets the eviction timeout. It never drops below the time a bucket
// needs to refill, so evicting one cannot hand out extra tokens.
func (rl *RateLimiter) SetIdleTimeout(idle time.Duration) {
	if rl.rate > 0 {
		refill := time.Duration(math.Ceil(float64(rl.burst) / float64(rl.rate) * float64(time.Second)))
		if idle < refill {
			idle = refill
		}
	}
	rl.idle = idle
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	return rl.visitors.Size()
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	now := rl.now().UnixNano()
	v, ok := rl.visitors.Load(key)
	if !ok {
		fresh := &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		fresh.lastSeen.Store(now)
		v, _ = rl.visitors.LoadOrStore(key, fresh)
	}
	v.lastSeen.Store(now)
	rl.sweep(now)
	return v.limiter
}

func (rl *RateLimiter) sweep(now int64) {
	last := rl.lastSweep.Load()
	if now-last < int64(rl.idle) || !rl.lastSweep.CompareAndSwap(last, now) {
		return
	}
	cutoff := now - int64(rl.idle)
	rl.visitors.Range(func(key string, v *visitor) bool {
		if v.lastSeen.Load() < cutoff {
			rl.visitors.Compute(key, func(old *visitor, loaded bool) (*visitor, xsync.ComputeOp) {
				if loaded && old.lastSeen.Load() < cutoff {
					return old, xsync.DeleteOp
				}
				return old, xsync.CancelOp
			})
		}
		return true
	})
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := IdentityFrom(r.Context())
		if !ok {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
		}

		if !rl.limiter(key).Allow() {
			if rl.metrics != nil {
				rl.metrics.RateLimitHits.Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, ctypes.ErrorResponse{Error: "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
