package util

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LogOnce rate-limits repetitive log lines. The first occurrence of a key
// inside the window is allowed; repeats are counted and the count is
// handed back with the next allowed line for that key.
type LogOnce struct {
	mu     sync.Mutex
	window time.Duration
	seen   *gocache.Cache
}

type logWindow struct {
	until   time.Time
	dropped int
}

// NewLogOnce creates a suppressor with the given window. Keys idle for
// several windows are forgotten.
func NewLogOnce(window time.Duration) *LogOnce {
	return &LogOnce{
		window: window,
		seen:   gocache.New(4*window, 8*window),
	}
}

// Allow reports whether a line for key should be written now and, if so,
// how many lines for key were suppressed since the last one written.
func (l *LogOnce) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if v, ok := l.seen.Get(key); ok {
		w := v.(*logWindow)
		if now.Before(w.until) {
			w.dropped++
			return false, 0
		}
		dropped := w.dropped
		w.until, w.dropped = now.Add(l.window), 0
		l.seen.SetDefault(key, w)
		return true, dropped
	}
	l.seen.SetDefault(key, &logWindow{until: now.Add(l.window)})
	return true, 0
}
