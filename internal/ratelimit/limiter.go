// Package ratelimit holds the two throttles of the fleet.
//
// AdaptiveLimiter paces outbound platform calls per credential and backs off
// when the platform signals overload. MemoryLimiter caps inbound API requests
// per client address and is exposed as HTTP middleware.
package ratelimit

import "time"

// Limiter is the inbound request limiting contract. Implementations must be
// safe for concurrent use.
type Limiter interface {
	// Allow reports whether a request identified by key may proceed, along
	// with the values for the X-RateLimit-* response headers.
	Allow(key string) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int           // Maximum requests per minute
	Remaining  int           // Approximate tokens remaining
	ResetAt    time.Time     // When the bucket will be full again
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}
