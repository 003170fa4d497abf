package logx

import (
	"sync"
	"time"
)

// Limiter suppresses repeats of the same log key within an interval.
type Limiter struct {
	interval time.Duration

	mu    sync.Mutex
	last  map[string]time.Time
	sweep time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether a line for key may be logged at now.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l == nil || l.interval <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}
