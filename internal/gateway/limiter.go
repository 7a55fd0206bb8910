package gateway

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000 // max tracked IPs to prevent memory exhaustion
)

// authLimiter tracks failed auth attempts per IP to prevent brute-force
// attacks. Each IP gets a token bucket of authRateMaxFails tokens that
// refills over authRateWindow; every failure spends one token.
type authLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	now      func() time.Time
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastFail time.Time
}

func newAuthLimiter() *authLimiter {
	return &authLimiter{
		limiters: make(map[string]*ipLimiter),
		now:      time.Now,
	}
}

func hostOf(remoteAddr string) string {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}
	return host
}

// allow reports whether remoteAddr may attempt another handshake.
func (l *authLimiter) allow(remoteAddr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[hostOf(remoteAddr)]
	if !ok {
		return true
	}
	return e.lim.TokensAt(l.now()) >= 1
}

func (l *authLimiter) recordFailure(remoteAddr string) {
	host := hostOf(remoteAddr)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[host]
	if !ok {
		if len(l.limiters) >= authRateMaxIPs {
			l.evictOldestLocked()
		}
		e = &ipLimiter{lim: rate.NewLimiter(rate.Every(authRateWindow/authRateMaxFails), authRateMaxFails)}
		l.limiters[host] = e
	}
	e.lim.AllowN(now, 1)
	e.lastFail = now
}

func (l *authLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, e := range l.limiters {
		if oldestIP == "" || e.lastFail.Before(oldest) {
			oldestIP = ip
			oldest = e.lastFail
		}
	}
	if oldestIP != "" {
		delete(l.limiters, oldestIP)
	}
}

// prune drops IPs whose bucket has fully refilled.
func (l *authLimiter) prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.limiters {
		if e.lim.TokensAt(now) >= authRateMaxFails {
			delete(l.limiters, ip)
		}
	}
}

func (l *authLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// newRPCLimiter returns the per-connection request limiter, or nil when
// rate limiting is disabled.
func newRPCLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
