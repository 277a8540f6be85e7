package backoff

import (
	"sync"
	"time"
)

const (
	DefaultBase = 3 * time.Second
	DefaultMax  = 12 * time.Second
)

// Policy computes exponential reconnect delays: min(Max, Base * 2^attempt).
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return p
}

func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}
	return delay
}

// Timer holds at most one pending reconnect. Scheduling a new one replaces
// the previous timer.
type Timer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Schedule arms fn to run after d, cancelling whatever was pending.
func (t *Timer) Schedule(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.gen == gen && t.timer != nil
		if current {
			t.timer = nil
		}
		t.mu.Unlock()

		if current {
			fn()
		}
	})
}

// Stop cancels the pending callback, if any. It reports whether one was pending.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	return true
}

func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}
