package smtp

import (
	"strings"
	"sync"
	"time"
)

// RateLimiter caps accepted transactions per source IP inside a sliding
// window. It is the only mutable state shared across sessions, so every
// access holds the mutex; a lost update here would make the limit too
// permissive.
type RateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewRateLimiter creates a rate limiter. A non-positive limit disables it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one transaction attempt for the IP and reports whether it is
// within the limit. Attempts over the limit are not recorded, so a client
// that backs off recovers as soon as the window rolls over.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	valid := rl.pruneLocked(ip)
	if len(valid) >= rl.limit {
		rl.events[ip] = valid
		return false
	}

	rl.events[ip] = append(valid, rl.now())
	return true
}

// pruneLocked drops events that fell out of the window. Caller holds the mutex.
func (rl *RateLimiter) pruneLocked(ip string) []time.Time {
	windowStart := rl.now().Add(-rl.window)
	var valid []time.Time
	for _, t := range rl.events[ip] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	return valid
}

// DomainGuard checks recipient domains against a configured allow-list.
// Matching is exact or by dot-suffix ("example.com" admits "mail.example.com").
// An empty list accepts every domain, which is meant for local development.
type DomainGuard struct {
	allowed []string
}

// NewDomainGuard creates a DomainGuard from the configured allow-list.
func NewDomainGuard(allowed []string) *DomainGuard {
	normalized := make([]string, 0, len(allowed))
	for _, d := range allowed {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			normalized = append(normalized, d)
		}
	}
	return &DomainGuard{allowed: normalized}
}

// Open reports whether the guard accepts every domain.
func (g *DomainGuard) Open() bool {
	return len(g.allowed) == 0
}

// Allowed reports whether mail for the recipient address is accepted.
func (g *DomainGuard) Allowed(address string) bool {
	if g.Open() {
		return true
	}

	domain := AddressDomain(address)
	if domain == "" {
		return false
	}

	for _, d := range g.allowed {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
