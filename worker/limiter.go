package worker

import (
	"sync"
	"time"

	"github.com/coracle/workq/errors"
)

// ErrRateLimited indicates the spawn budget for the current window is
// spent. The claim is deferred to a later tick, not failed.
var ErrRateLimited = errors.New("spawn rate limit reached")

// Limiter enforces a sliding one-minute window on gateway spawns. Each
// worker owns its own limiter; there is no global state.
type Limiter struct {
	mu           sync.Mutex
	maxPerMinute int
	window       time.Duration
	calls        []time.Time
	now          func() time.Time
}

// NewLimiter creates a limiter allowing maxPerMinute spawns per sliding
// minute. maxPerMinute <= 0 disables limiting.
func NewLimiter(maxPerMinute int) *Limiter {
	return &Limiter{
		maxPerMinute: maxPerMinute,
		window:       time.Minute,
		now:          time.Now,
	}
}

// Allow records one spawn if the window has room, or returns
// ErrRateLimited without recording.
func (l *Limiter) Allow() error {
	if l.maxPerMinute <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune()
	if len(l.calls) >= l.maxPerMinute {
		return errors.Wrapf(ErrRateLimited, "%d spawns in the last %s", len(l.calls), l.window)
	}
	l.calls = append(l.calls, l.now())
	return nil
}

// Stats returns how many spawns are in the current window and how many
// remain.
func (l *Limiter) Stats() (callsInWindow int, callsRemaining int) {
	if l.maxPerMinute <= 0 {
		return 0, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune()
	return len(l.calls), l.maxPerMinute - len(l.calls)
}

// prune drops calls that have slid out of the window. Caller holds mu.
func (l *Limiter) prune() {
	cutoff := l.now().Add(-l.window)
	kept := l.calls[:0]
	for _, t := range l.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.calls = kept
}
