package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAuthLimit      = 30
	DefaultAuthWindow     = time.Minute
	DefaultAuthMaxEntries = 1000
)

// authLimiter throttles failed authentication per client host. Each host gets
// a token bucket holding limit attempts that refills over window.
type authLimiter struct {
	mu         sync.Mutex
	every      rate.Limit
	burst      int
	idle       time.Duration
	maxEntries int
	hosts      map[string]*hostBucket
	swept      time.Time
}

type hostBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newAuthLimiter(limit int, window time.Duration, maxEntries int) *authLimiter {
	if limit <= 0 {
		limit = DefaultAuthLimit
	}
	if window <= 0 {
		window = DefaultAuthWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultAuthMaxEntries
	}
	return &authLimiter{
		every:      rate.Every(window / time.Duration(limit)),
		burst:      limit,
		idle:       2 * window,
		maxEntries: maxEntries,
		hosts:      make(map[string]*hostBucket),
	}
}

func (l *authLimiter) allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	if host == "" {
		host = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.hosts) >= l.maxEntries || now.Sub(l.swept) >= l.idle {
		l.sweep(now)
	}
	b := l.hosts[host]
	if b == nil {
		b = &hostBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.hosts[host] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops idle hosts, then arbitrary ones while over capacity.
func (l *authLimiter) sweep(now time.Time) {
	for host, b := range l.hosts {
		if now.Sub(b.seen) > l.idle {
			delete(l.hosts, host)
		}
	}
	for host := range l.hosts {
		if len(l.hosts) < l.maxEntries {
			break
		}
		delete(l.hosts, host)
	}
	l.swept = now
}
