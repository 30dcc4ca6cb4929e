package bus

import (
	"sync"
	"time"
)

// PublishLimiter is a sliding-window limit on local publishes, protecting
// the shared room channel from runaway intents.
type PublishLimiter struct {
	mu       sync.Mutex
	history  []time.Time
	limit    int
	interval time.Duration
}

func NewPublishLimiter(limit int, interval time.Duration) *PublishLimiter {
	return &PublishLimiter{limit: limit, interval: interval}
}

func (l *PublishLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-l.interval)

	fresh := make([]time.Time, 0, len(l.history))
	for _, t := range l.history {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= l.limit {
		l.history = fresh
		return false
	}

	l.history = append(fresh, now)
	return true
}
