package api

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter implements per-IP rate limiting with periodic cleanup of stale
// entries.
type Limiter struct {
	mu         sync.Mutex
	clients    map[string]*clientEntry
	rate       rate.Limit
	burst      int
	staleAfter time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter allows requests per interval for each client address. Entries
// unused for staleAfter are dropped.
func NewLimiter(requests int, interval, staleAfter time.Duration) (*Limiter, error) {
	if requests <= 0 {
		return nil, fmt.Errorf("ratelimit: requests must be positive")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("ratelimit: interval must be positive")
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("ratelimit: stale_after must be positive")
	}

	l := &Limiter{
		clients:    make(map[string]*clientEntry),
		rate:       rate.Limit(float64(requests) / interval.Seconds()),
		burst:      requests,
		staleAfter: staleAfter,
		done:       make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) client(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[ip]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow checks if a request from the given IP is allowed.
func (l *Limiter) Allow(ip string) bool {
	return l.client(ip).Allow()
}

// RetryAfter returns the number of seconds until the next request from
// this IP would be allowed.
func (l *Limiter) RetryAfter(ip string) int {
	r := l.client(ip).Reserve()
	delay := r.Delay()
	r.Cancel()
	return int(math.Ceil(delay.Seconds()))
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(time.Now())
		case <-l.done:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.staleAfter {
			delete(l.clients, ip)
		}
	}
}

// Close stops the cleanup goroutine.
func (l *Limiter) Close() {
	close(l.done)
	l.wg.Wait()
}

// clientIP returns the host part of RemoteAddr. Forwarding headers are
// ignored since there is no trusted proxy to vouch for them.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !l.Allow(ip) {
			retryAfter := l.RetryAfter(ip)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			p := newProblem(problemRateLimited,
				fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retryAfter))
			p.RetryAfter = retryAfter
			writeProblem(w, p)
			return
		}
		next.ServeHTTP(w, r)
	})
}
