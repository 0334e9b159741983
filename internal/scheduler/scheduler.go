package scheduler

import (
	"sync"
	"time"
)

/*
KEYED TIMERS

At most one live timer per key. Scheduling a key that already has a timer
cancels the old one first, so a burst of Schedule calls collapses into a
single action that runs `delay` after the last call.

Every armed timer carries a generation number. When the timer fires it only
runs its action if its generation is still the current one for that key,
which covers the window where time.Timer.Stop loses the race with an
already-firing timer.
*/

// Timers is a set of cancellable one-shot timers addressed by key.
type Timers struct {
	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
}

type entry struct {
	timer *time.Timer
	gen   uint64
}

// New creates an empty timer set.
func New() *Timers {
	return &Timers{entries: make(map[string]*entry)}
}

// Schedule arms action to run once after delay, replacing any timer already
// armed for key. After Stop it does nothing.
func (t *Timers) Schedule(key string, delay time.Duration, action func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}

	if old, ok := t.entries[key]; ok {
		old.timer.Stop()
	}

	t.gen++
	gen := t.gen
	e := &entry{gen: gen}
	e.timer = time.AfterFunc(delay, func() {
		if !t.claim(key, gen) {
			return
		}
		action()
	})
	t.entries[key] = e
}

// claim removes the entry for key if it still belongs to gen.
func (t *Timers) claim(key string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.entries, key)
	return true
}

// Cancel disarms the timer for key. It reports whether a timer was pending.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// Pending reports whether a timer is armed for key.
func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Len returns the number of armed timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stop cancels every armed timer and rejects further scheduling.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, key)
	}
	t.stopped = true
}
