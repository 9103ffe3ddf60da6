package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	DefaultRequestsPerMinute = 60
	DefaultMaxConcurrent     = 10
)

// ClientRateLimiter bounds one client's request rate with a token bucket
// and its in-flight requests with a counter.
type ClientRateLimiter struct {
	mu            sync.Mutex
	limiter       *rate.Limiter
	maxConcurrent int
	inFlight      int
}

// NewClientRateLimiter creates a limiter with the default limits.
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultRequestsPerMinute, DefaultMaxConcurrent)
}

// NewClientRateLimiterWithLimits creates a limiter allowing
// requestsPerMinute sustained, with bursts up to the same number.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &ClientRateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60), requestsPerMinute),
		maxConcurrent: maxConcurrent,
	}
}

// Acquire reserves a slot for one request. It returns the RPC error code
// and reason when the request must be refused; Release must follow a
// successful Acquire.
func (r *ClientRateLimiter) Acquire() (code int, reason string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return TooManyConcurrent, "too many concurrent requests", false
	}
	if !r.limiter.Allow() {
		return RateLimitExceeded, "rate limit exceeded", false
	}
	r.inFlight++
	return 0, "", true
}

// Release ends a request started with Acquire.
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}

// InFlight returns the number of unreleased requests.
func (r *ClientRateLimiter) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight
}
