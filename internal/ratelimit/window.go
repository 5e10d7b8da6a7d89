package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	until time.Time
}

// Window is a per-process fixed window limiter, used when Redis is not
// configured.
type Window struct {
	mu      sync.Mutex
	limit   int
	per     time.Duration
	windows map[string]*window
	now     func() time.Time
}

func NewWindow(limit int, per time.Duration) *Window {
	return &Window{limit: limit, per: per, windows: make(map[string]*window), now: time.Now}
}

func (l *Window) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.After(w.until) {
		// Drop expired windows so the map does not grow with one-off callers.
		for k, old := range l.windows {
			if now.After(old.until) {
				delete(l.windows, k)
			}
		}
		w = &window{until: now.Add(l.per)}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false, nil
	}
	w.count++
	return true, nil
}
