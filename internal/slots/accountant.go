// Package slots implements the admission-weight accountant: a configured
// max slot count and the currently busy count.
package slots

import "sync"

// Accountant tracks max_slots and busy_slots. Safe for concurrent use, a
// small mutex-guarded struct.
type Accountant struct {
	mu       sync.Mutex
	maxSlots int32
	busy     int32
}

// New creates an Accountant configured with the given max slot count.
func New(maxSlots int32) *Accountant {
	return &Accountant{maxSlots: maxSlots}
}

// TryAdmit succeeds iff busy_slots + n <= max_slots, and on success reserves
// n slots immediately (atomically, to avoid a check-then-act race between
// concurrent scheduling attempts).
func (a *Accountant) TryAdmit(n int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy+n > a.maxSlots {
		return false
	}
	a.busy += n
	return true
}

// Release gives back n slots on job completion.
func (a *Accountant) Release(n int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy -= n
	if a.busy < 0 {
		a.busy = 0
	}
}

// SetMax reconfigures max_slots. Accepted at any time; never forcibly
// preempts a running job, so Busy() can transiently exceed the new max.
func (a *Accountant) SetMax(n int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxSlots = n
}

// GetMax returns the configured max slot count.
func (a *Accountant) GetMax() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.maxSlots
}

// Busy returns the current reserved slot count.
func (a *Accountant) Busy() int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}
