package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// rateBucket is a fixed-window counter for one remote.
type rateBucket struct {
	tokens   int
	lastFill time.Time
}

// remoteLimiter throttles requests per remote address. Buckets refill at
// window boundaries; idle buckets are pruned opportunistically.
type remoteLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	max     int
	window  time.Duration

	lastPrune time.Time
}

func newRemoteLimiter(max int, window time.Duration) *remoteLimiter {
	return &remoteLimiter{
		buckets:   make(map[string]*rateBucket),
		max:       max,
		window:    window,
		lastPrune: time.Now(),
	}
}

// Allow reports whether the remote may proceed and consumes a token.
func (l *remoteLimiter) Allow(remote string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > 10*l.window {
		for key, b := range l.buckets {
			if now.Sub(b.lastFill) > 2*l.window {
				delete(l.buckets, key)
			}
		}
		l.lastPrune = now
	}

	b, ok := l.buckets[remote]
	if !ok {
		b = &rateBucket{tokens: l.max, lastFill: now}
		l.buckets[remote] = b
	}
	if now.Sub(b.lastFill) >= l.window {
		b.tokens = l.max
		b.lastFill = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// remoteKey extracts the client address without the ephemeral port.
func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
