package openai

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// rateLimitBackoff is how long every caller pauses after a 429.
const rateLimitBackoff = 5 * time.Second

// RateLimiter is a token bucket shared by all OpenAI clients of a process.
// After a 429 response every caller waits out a short backoff.
// A nil *RateLimiter never blocks.
type RateLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	retryAt time.Time
}

// NewRateLimiter allows rps requests per second with a burst of twice that.
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if time.Now().Before(retryAt) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(retryAt)):
		}
	}

	return r.limiter.Wait(ctx)
}

func (r *RateLimiter) observe(err error) {
	if r == nil {
		return
	}
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) || apiErr.HTTPStatusCode != http.StatusTooManyRequests {
		return
	}
	r.mu.Lock()
	r.retryAt = time.Now().Add(rateLimitBackoff)
	r.mu.Unlock()
}
