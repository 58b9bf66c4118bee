package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/notifyhub/signal-sync/internal/domain"
)

// StreamLimiters holds one token bucket per stream, created on first use.
// Burst equals the rate so a device that was offline for hours does not
// fire its whole backlog of groups at once.
type StreamLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[domain.StreamName]*rate.Limiter
}

// New creates StreamLimiters granting ratePerSec uploads per second per
// stream. A non-positive rate disables limiting.
func New(ratePerSec int) *StreamLimiters {
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}
	burst := ratePerSec
	if burst < 1 {
		burst = 1
	}
	return &StreamLimiters{
		limit:    limit,
		burst:    burst,
		limiters: make(map[domain.StreamName]*rate.Limiter),
	}
}

// Wait blocks until the stream's limiter grants a token. Returns a non-nil
// error only if ctx is cancelled while waiting.
func (sl *StreamLimiters) Wait(ctx context.Context, stream domain.StreamName) error {
	return sl.limiter(stream).Wait(ctx)
}

func (sl *StreamLimiters) limiter(stream domain.StreamName) *rate.Limiter {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	l, ok := sl.limiters[stream]
	if !ok {
		l = rate.NewLimiter(sl.limit, sl.burst)
		sl.limiters[stream] = l
	}
	return l
}
