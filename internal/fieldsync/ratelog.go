package fieldsync

import (
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints at most one line per key per interval. Background
// refreshes and drains fail in bursts; one line per key is enough.
type rateLimitedLogger struct {
	mu       sync.Mutex
	interval time.Duration
	lastAt   map[string]time.Time
	dropped  map[string]int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		interval: interval,
		lastAt:   map[string]time.Time{},
		dropped:  map[string]int{},
	}
}

func (l *rateLimitedLogger) Printf(key, format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if last, ok := l.lastAt[key]; ok && now.Sub(last) < l.interval {
		l.dropped[key]++
		l.mu.Unlock()
		return
	}
	l.lastAt[key] = now
	n := l.dropped[key]
	delete(l.dropped, key)
	if len(l.lastAt) > 4096 {
		l.pruneLocked(now)
	}
	l.mu.Unlock()

	if n > 0 {
		format += " (%d similar suppressed)"
		args = append(args, n)
	}
	log.Printf(format, args...)
}

func (l *rateLimitedLogger) pruneLocked(now time.Time) {
	for k, t := range l.lastAt {
		if now.Sub(t) >= l.interval {
			delete(l.lastAt, k)
			delete(l.dropped, k)
		}
	}
}
