// ABOUTME: Token bucket rate limiting keyed by user id or client IP.
// ABOUTME: Protects the data service from runaway sync loops and credential stuffing.

package main

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"` // Time between allowed requests
	Burst    int           `json:"burst" yaml:"burst"`       // Max burst size
}

// DefaultRateLimitConfig returns ~100 req/min with burst of 10.
// A debounced client issues at most a fetch and an upsert per edit burst.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Interval: 600 * time.Millisecond,
		Burst:    10,
	}
}

// AuthRateLimitConfig returns 10 req/min with burst of 5 for login and refresh.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Interval: 6 * time.Second,
		Burst:    5,
	}
}

// rateLimiterStore manages limiters per key.
type rateLimiterStore struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	config   RateLimitConfig
}

func newRateLimiterStore(config RateLimitConfig) *rateLimiterStore {
	return &rateLimiterStore{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
	}
}

// limit converts the interval; zero or negative disables limiting.
func (c RateLimitConfig) limit() rate.Limit {
	if c.Interval <= 0 {
		return rate.Inf
	}
	return rate.Every(c.Interval)
}

func (s *rateLimiterStore) get(key string) *rate.Limiter {
	s.mu.RLock()
	limiter, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return limiter
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if limiter, ok := s.limiters[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(s.config.limit(), s.config.Burst)
	s.limiters[key] = limiter
	return limiter
}

func (s *rateLimiterStore) setConfig(interval time.Duration, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = RateLimitConfig{Interval: interval, Burst: burst}
	// Clear existing limiters so they pick up new config
	s.limiters = make(map[string]*rate.Limiter)
}

// getClientIP returns the caller's address. Proxy headers are honoured only
// when the server runs behind a trusted proxy; otherwise they are spoofable.
func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			return xr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
