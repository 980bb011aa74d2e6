package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// DefaultRequestsPerMinute applies when a provider config sets no rate_limit.
const DefaultRequestsPerMinute = 150

// LimiterStatus is a snapshot of a RateLimited generator.
type LimiterStatus struct {
	RequestsPerMinute int       `json:"requests_per_minute"`
	TokensAvailable   float64   `json:"tokens_available"`
	Admitted          int64     `json:"admitted"`
	Throttled         int64     `json:"throttled"`
	HoldUntil         time.Time `json:"hold_until,omitempty"`
}

// RateLimited wraps a Generator with a per-minute token bucket. A 429 from
// the wrapped generator holds every caller until the server's Retry-After
// has passed.
type RateLimited struct {
	Generator
	rpm     int
	limiter *rate.Limiter

	mu        sync.Mutex
	holdUntil time.Time

	admitted  atomic.Int64
	throttled atomic.Int64
}

// NewRateLimited wraps g with a limiter of requestsPerMinute, bursting up to
// a full minute's worth of calls.
func NewRateLimited(g Generator, requestsPerMinute int) *RateLimited {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	return &RateLimited{
		Generator: g,
		rpm:       requestsPerMinute,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), requestsPerMinute),
	}
}

// GenerateStructured waits out any 429 hold, takes a token, then delegates.
func (r *RateLimited) GenerateStructured(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error) {
	if err := r.waitHold(ctx); err != nil {
		return nil, err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	r.admitted.Add(1)

	resp, err := r.Generator.GenerateStructured(ctx, req)
	var rl *RateLimitError
	if errors.As(err, &rl) {
		r.hold(rl.RetryAfter)
	}
	return resp, err
}

func (r *RateLimited) waitHold(ctx context.Context) error {
	r.mu.Lock()
	wait := time.Until(r.holdUntil)
	r.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// hold blocks new calls for retryAfter, or one token interval when the
// server gave no hint.
func (r *RateLimited) hold(retryAfter time.Duration) {
	r.throttled.Add(1)
	if retryAfter <= 0 {
		retryAfter = time.Minute / time.Duration(r.rpm)
	}
	until := time.Now().Add(retryAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.holdUntil) {
		r.holdUntil = until
	}
}

// Status reports the limiter state.
func (r *RateLimited) Status() LimiterStatus {
	r.mu.Lock()
	until := r.holdUntil
	r.mu.Unlock()
	if !until.After(time.Now()) {
		until = time.Time{}
	}
	return LimiterStatus{
		RequestsPerMinute: r.rpm,
		TokensAvailable:   r.limiter.Tokens(),
		Admitted:          r.admitted.Load(),
		Throttled:         r.throttled.Load(),
		HoldUntil:         until,
	}
}

// Unwrap returns the wrapped generator.
func (r *RateLimited) Unwrap() Generator {
	return r.Generator
}

var _ Generator = (*RateLimited)(nil)
