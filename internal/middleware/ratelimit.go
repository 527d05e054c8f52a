package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleEviction  = 10 * time.Minute
)

// RateLimitConfig sizes the per-client token bucket.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64
	// Burst is the bucket capacity.
	Burst int
}

// pooledLimiter pairs a client's bucket with its last activity, guarded for
// concurrent touch and sweep.
type pooledLimiter struct {
	bucket *rate.Limiter

	mu       sync.Mutex
	lastSeen time.Time
}

func (pl *pooledLimiter) touch() {
	pl.mu.Lock()
	pl.lastSeen = time.Now()
	pl.mu.Unlock()
}

func (pl *pooledLimiter) idleSince(cutoff time.Time) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.lastSeen.Before(cutoff)
}

// limiterPool holds one token bucket per client address and evicts idle
// entries in the background.
type limiterPool struct {
	cfg     RateLimitConfig
	clients sync.Map // client address -> *pooledLimiter
}

func (p *limiterPool) get(addr string) *rate.Limiter {
	if v, ok := p.clients.Load(addr); ok {
		pl := v.(*pooledLimiter)
		pl.touch()
		return pl.bucket
	}
	pl := &pooledLimiter{
		bucket:   rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.Burst),
		lastSeen: time.Now(),
	}
	if existing, loaded := p.clients.LoadOrStore(addr, pl); loaded {
		racer := existing.(*pooledLimiter)
		racer.touch()
		return racer.bucket
	}
	return pl.bucket
}

func (p *limiterPool) sweep() {
	for {
		time.Sleep(limiterSweepInterval)
		cutoff := time.Now().Add(-limiterIdleEviction)
		p.clients.Range(func(key, value interface{}) bool {
			if value.(*pooledLimiter).idleSince(cutoff) {
				p.clients.Delete(key)
			}
			return true
		})
	}
}

// RateLimiter enforces a per-client token bucket over the API surface. The
// health endpoint stays reachable for probes. Clients are keyed by RemoteAddr
// host only: forwarding headers are spoofable and ignored.
func RateLimiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	pool := &limiterPool{cfg: cfg}
	go pool.sweep()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			bucket := pool.get(clientAddr(r))
			reservation := bucket.Reserve()
			if !reservation.OK() {
				writeRateLimited(w, r, 0)
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				// The bucket is dry; cancel so the reservation does not burn
				// tokens the caller never used.
				reservation.Cancel()
				writeRateLimited(w, r, int(delay.Seconds())+1)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(bucket.Tokens())))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr is the bucket key: the RemoteAddr host with the port stripped.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":       http.StatusTooManyRequests,
		"message":    "rate limit exceeded",
		"request_id": RequestIDFromContext(r.Context()),
	})
}
