package middleware

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-auth budget per client when
	// AUTH_RATE_LIMIT is unset.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedClients bounds the number of clients held in memory.
	DefaultMaxTrackedClients = 10000

	defaultStaleAfter = 5 * time.Minute
	sweepInterval     = time.Minute

	// IPv6 clients are grouped by their /64 so a single host cannot reset its
	// budget by rotating interface identifiers.
	ipv6ClientPrefix = 64
)

type clientBudget struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed authentication attempts per client. Each
// client gets a token bucket refilled at maxPerMinute/60 per second with a
// burst of maxPerMinute.
type RateLimiter struct {
	mu           sync.Mutex
	clients      map[string]*clientBudget
	maxPerMinute int
	maxTracked   int
	staleAfter   time.Duration
	now          func() time.Time
	cancel       context.CancelFunc
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedClients caps how many clients are tracked at once. When the
// cap is hit, the least recently seen client is forgotten.
func WithMaxTrackedClients(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTracked = n
		}
	}
}

// WithStaleAfter sets how long a client may stay idle before its budget is
// dropped.
func WithStaleAfter(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.staleAfter = d
		}
	}
}

func withClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// NewRateLimiter starts a limiter allowing maxPerMinute failed attempts per
// client (DefaultMaxAttemptsPerMinute when <= 0). Idle clients are swept
// until ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		clients:      make(map[string]*clientBudget),
		maxPerMinute: maxPerMinute,
		maxTracked:   DefaultMaxTrackedClients,
		staleAfter:   defaultStaleAfter,
		now:          time.Now,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Limited reports whether key has used up its budget. It does not consume a
// token.
func (rl *RateLimiter) Limited(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	budget, ok := rl.clients[key]
	if !ok {
		return false
	}
	return budget.limiter.TokensAt(rl.now()) < 1
}

// RecordFailure charges one failed attempt to key and reports whether key is
// still within its budget.
func (rl *RateLimiter) RecordFailure(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	budget, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= rl.maxTracked {
			rl.forgetLeastRecentLocked()
		}
		budget = &clientBudget{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.clients[key] = budget
	}
	budget.lastSeen = now
	return budget.limiter.AllowN(now, 1)
}

// Tracked returns the number of clients currently holding a budget.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.staleAfter)
	for key, budget := range rl.clients {
		if budget.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

func (rl *RateLimiter) forgetLeastRecentLocked() {
	var (
		oldestKey  string
		oldestSeen time.Time
	)
	for key, budget := range rl.clients {
		if oldestKey == "" || budget.lastSeen.Before(oldestSeen) {
			oldestKey, oldestSeen = key, budget.lastSeen
		}
	}
	delete(rl.clients, oldestKey)
}

// ClientKey derives the rate-limit key from a "host:port" or bare host
// address. IPv4-mapped IPv6 addresses collapse to IPv4 and other IPv6
// addresses collapse to their /64 prefix. Unparseable hosts are returned as is.
func ClientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return addr.String()
	}

	prefix, err := addr.WithZone("").Prefix(ipv6ClientPrefix)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}
