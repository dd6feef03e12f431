// Package ratelimit implements a pure in-memory, per-(clientID,class)
// fixed-window message limiter for the router (spec §4.2).
package ratelimit

import (
	"sync"
	"time"

	"pulserelay/internal/observability"
)

// Class identifies a rate-limited message type.
type Class string

const (
	ClassStatus Class = "status"
	ClassLog    Class = "log"
	ClassNotify Class = "notify"
	ClassAlert  Class = "alert"
)

// Window holds the fixed-window policy for one class: at most Max
// messages within WindowMs.
type Window struct {
	Max      int
	WindowMs int
}

// Config maps each rated class to its window policy.
type Config struct {
	Status Window
	Log    Window
	Notify Window
	Alert  Window
}

type counter struct {
	count      int
	windowOpen time.Time
}

type key struct {
	clientID string
	class    Class
}

// Limiter is a fixed-window, in-memory rate limiter keyed by
// (clientID, class). It never blocks.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	counters map[key]*counter

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New constructs a Limiter from the given per-class policy.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:      cfg,
		counters: make(map[key]*counter),
	}
}

func (l *Limiter) windowFor(class Class) (Window, bool) {
	switch class {
	case ClassStatus:
		return l.cfg.Status, true
	case ClassLog:
		return l.cfg.Log, true
	case ClassNotify:
		return l.cfg.Notify, true
	case ClassAlert:
		return l.cfg.Alert, true
	default:
		return Window{}, false
	}
}

// Allow reports whether a message of the given class is permitted for
// clientID under the current window, incrementing the count as a side
// effect of admission. Unrated classes (unknown to windowFor) always
// allow; heartbeat/ping/disconnect never call in here at all.
func (l *Limiter) Allow(clientID string, class Class) bool {
	win, rated := l.windowFor(class)
	if !rated || win.Max <= 0 {
		return true
	}

	k := key{clientID: clientID, class: class}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[k]
	if !ok || now.Sub(c.windowOpen) >= time.Duration(win.WindowMs)*time.Millisecond {
		c = &counter{count: 0, windowOpen: now}
		l.counters[k] = c
	}

	if c.count >= win.Max {
		observability.RateLimitRejectionsTotal.WithLabelValues(string(class)).Inc()
		return false
	}
	c.count++
	return true
}

// Forget drops every window tracked for clientID. Called by the router
// synchronously on socket close.
func (l *Limiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.counters {
		if k.clientID == clientID {
			delete(l.counters, k)
		}
	}
}

// StartSweep launches a background goroutine that evicts windows idle
// past 2x their own window length, bounding memory growth for clients
// whose sockets closed without a clean Forget (crash, process kill).
// Call Stop to terminate it.
func (l *Limiter) StartSweep(interval time.Duration) {
	l.sweepStop = make(chan struct{})
	l.sweepDone = make(chan struct{})

	go func() {
		defer close(l.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweepOnce()
			case <-l.sweepStop:
				return
			}
		}
	}()
}

func (l *Limiter) sweepOnce() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.counters {
		win, ok := l.windowFor(k.class)
		if !ok {
			continue
		}
		idleLimit := 2 * time.Duration(win.WindowMs) * time.Millisecond
		if now.Sub(c.windowOpen) > idleLimit {
			delete(l.counters, k)
		}
	}
}

// Stop halts the sweep goroutine, if one was started.
func (l *Limiter) Stop() {
	if l.sweepStop == nil {
		return
	}
	close(l.sweepStop)
	<-l.sweepDone
}
