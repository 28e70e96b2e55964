package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultBatchDispatchPerMin applies when no limit is configured.
const DefaultBatchDispatchPerMin = 10

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// rateLimiter grants each client perMin batch dispatches per minute, with a
// burst of the same size.
type rateLimiter struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	bkt    map[string]*tokenBucket
	ttl    time.Duration
	stop   chan struct{}
	closed sync.Once
	now    func() time.Time
}

func newRateLimiter(perMin int) *rateLimiter {
	if perMin <= 0 {
		perMin = DefaultBatchDispatchPerMin
	}
	rl := &rateLimiter{
		rate:  float64(perMin) / 60,
		burst: float64(perMin),
		bkt:   map[string]*tokenBucket{},
		ttl:   10 * time.Minute,
		stop:  make(chan struct{}),
		now:   time.Now,
	}
	go rl.cleanupLoop()
	return rl
}

func (r *rateLimiter) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			cutoff := r.now().Add(-r.ttl)
			r.mu.Lock()
			for k, v := range r.bkt {
				if v.last.Before(cutoff) {
					delete(r.bkt, k)
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *rateLimiter) close() {
	r.closed.Do(func() { close(r.stop) })
}

func (r *rateLimiter) allow(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.bkt[key]
	if b == nil {
		b = &tokenBucket{tokens: r.burst, last: now}
		r.bkt[key] = b
	}
	return takeToken(b, r.rate, r.burst, now)
}

func takeToken(b *tokenBucket, rate, burst float64, now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > burst {
			b.tokens = burst
		}
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (s *Server) rateLimitDispatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(s.rateLimitClientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "batch dispatch rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitClientKey keys on the verified token subject when JWT auth is on.
// Otherwise identity headers are caller-supplied, so the remote IP is used.
func (s *Server) rateLimitClientKey(r *http.Request) string {
	if s.cfg.JWTSecret != "" {
		return "sub:" + principalFromContext(r.Context()).Name
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return "ip:" + host
	}
	if addr != "" {
		return "ip:" + addr
	}
	return "unknown"
}
