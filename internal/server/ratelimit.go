package server

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/watzon/tether/internal/config"
	"github.com/watzon/tether/internal/server/handlers"
)

// RateLimiter allows rule.Max requests per rule.Window for each client
// address, refilling the whole budget at the start of every window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rule    config.RateLimitRule
	now     func() time.Time
	cleanup *time.Ticker
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter for rule and starts evicting idle
// clients.
func NewRateLimiter(rule config.RateLimitRule) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rule:    rule,
		now:     time.Now,
		cleanup: time.NewTicker(rule.Window * 2),
		stopCh:  make(chan struct{}),
	}

	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		rl.cleanupLoop()
	}()

	return rl
}

// Allow takes a token for key. It returns false and the time until the
// next refill when none are left.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.lastRefill) >= rl.rule.Window {
		b = &bucket{tokens: rl.rule.Max, lastRefill: now}
		rl.buckets[key] = b
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}
	return false, rl.rule.Window - now.Sub(b.lastRefill)
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.buckets {
				if now.Sub(b.lastRefill) > rl.rule.Window*2 {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() {
		close(rl.stopCh)
		rl.cleanup.Stop()
		rl.wg.Wait()
	})
}

// Middleware rejects requests over the limit with 429. Clients are keyed
// by remote address only; the proxy is meant for the local console, so
// forwarding headers are not trusted.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		allowed, retry := rl.Allow(ip)
		if !allowed {
			handlers.AllowAnyOrigin(w, r)
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Round(time.Second).Seconds())))
			handlers.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests. Please try again later.")
			return
		}

		next.ServeHTTP(w, r)
	})
}
