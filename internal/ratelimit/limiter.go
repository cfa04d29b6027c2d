package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Limiter gates calls for a single provider credential with a rolling window:
// at most maxCalls calls may start within any period.
type Limiter struct {
	// turn admits one waiter at a time; blocked senders are released in
	// arrival order.
	turn chan struct{}

	mu       sync.Mutex
	maxCalls int
	period   time.Duration
	window   []time.Time
	now      func() time.Time
}

// New constructs a Limiter allowing maxCalls per period.
func New(maxCalls int, period time.Duration) (*Limiter, error) {
	if maxCalls <= 0 {
		return nil, errors.New("max calls must be positive")
	}
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	return &Limiter{
		turn:     make(chan struct{}, 1),
		maxCalls: maxCalls,
		period:   period,
		window:   make([]time.Time, 0, maxCalls),
		now:      time.Now,
	}, nil
}

// Acquire blocks until a call slot is free in the window, then records it.
// Callers are served in arrival order; a caller whose context ends while
// queued leaves the queue without taking a slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.turn <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.turn }()

	for {
		wait := l.tryAcquire()
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records a call and returns zero, or returns how long to wait
// before the oldest call in a full window expires.
func (l *Limiter) tryAcquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.window) < l.maxCalls {
		l.window = append(l.window, now)
		return 0
	}

	wait := l.period - now.Sub(l.window[0])
	if wait <= 0 {
		// Clock granularity; the next prune drops the entry.
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) prune(now time.Time) {
	drop := 0
	for drop < len(l.window) && now.Sub(l.window[drop]) >= l.period {
		drop++
	}
	if drop > 0 {
		l.window = append(l.window[:0], l.window[drop:]...)
	}
}

// InFlight reports how many calls are currently recorded in the window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.window)
}
