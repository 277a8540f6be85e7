package typing

import (
	"slices"
	"sync"
	"time"
)

// DefaultTimeout is how long an incoming typing signal stays visible
// without a refresh.
const DefaultTimeout = 3 * time.Second

// Signal returns the typing state to transmit for the current input.
func Signal(input string) bool {
	return input != ""
}

type entry struct {
	at    time.Time
	timer *time.Timer
	gen   uint64
}

// Tracker keeps the set of peers currently typing to us. Every entry expires
// on its own unless refreshed or explicitly cleared.
type Tracker struct {
	timeout time.Duration
	notify  func(senderID int64, typing bool)
	now     func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
	gen     uint64
	stopped bool
}

// New creates a tracker. notify, if set, is called outside the lock whenever
// a sender appears or disappears, including expiry from a timer goroutine.
func New(timeout time.Duration, notify func(senderID int64, typing bool)) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		notify:  notify,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
}

// Set records a typing signal from senderID. A true signal (re)arms the
// expiry timer, a false one clears the entry at once.
func (t *Tracker) Set(senderID int64, typing bool) {
	if typing {
		t.start(senderID)
		return
	}
	t.clear(senderID, 0)
}

func (t *Tracker) start(senderID int64) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	e, existed := t.entries[senderID]
	if existed {
		e.timer.Stop()
	} else {
		e = &entry{}
		t.entries[senderID] = e
	}
	e.at = t.now()
	e.gen = gen
	e.timer = time.AfterFunc(t.timeout, func() { t.clear(senderID, gen) })
	t.mu.Unlock()

	if !existed && t.notify != nil {
		t.notify(senderID, true)
	}
}

// clear removes the entry; gen 0 removes unconditionally, otherwise only the
// entry armed with that generation is removed.
func (t *Tracker) clear(senderID int64, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[senderID]
	if !ok || (gen != 0 && e.gen != gen) {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(t.entries, senderID)
	t.mu.Unlock()

	if t.notify != nil {
		t.notify(senderID, false)
	}
}

func (t *Tracker) IsTyping(senderID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[senderID]
	return ok
}

// Typing returns the senders currently typing, sorted.
func (t *Tracker) Typing() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// LastSignal returns when senderID last signalled typing.
func (t *Tracker) LastSignal(senderID int64) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[senderID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// Stop cancels every expiry timer and drops all entries without notifying.
// The tracker ignores signals afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
}
