package logx

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle gates repetitive log lines per key using a token bucket.
// Scan loops use it so one broken row does not flood the log every tick.
type Throttle struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	lim   map[string]*rate.Limiter
}

// NewThrottle allows perSec events per key with the given burst.
func NewThrottle(perSec float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{every: rate.Limit(perSec), burst: burst, lim: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	l, ok := t.lim[key]
	if !ok {
		if len(t.lim) >= 1024 {
			t.lim = map[string]*rate.Limiter{}
		}
		l = rate.NewLimiter(t.every, t.burst)
		t.lim[key] = l
	}
	t.mu.Unlock()
	return l.Allow()
}
