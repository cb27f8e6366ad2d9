// Package watchdog detects region time managers whose clock has stopped and
// recovers the world state they drive.
package watchdog

import (
	"fmt"
	"sync"

	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// State is the watchdog's view of one time manager.
type State int

const (
	Healthy State = iota
	Frozen
	Recovering
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Frozen:
		return "frozen"
	case Recovering:
		return "recovering"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsFrozen reports whether two consecutive clock samples show a stall: they are
// equal and the earlier one is nonzero. A zero earlier sample means the manager
// has not been observed yet.
func IsFrozen(prev, cur int64) bool {
	return prev != 0 && cur == prev
}

// Detector keeps the last CurrentTime sampled from each manager. It reads the
// clock atomically and never takes a lock a driver could hold.
// It is safe for concurrent use.
type Detector struct {
	mu      sync.Mutex
	samples map[*scheduler.Manager]int64
}

// NewDetector returns a Detector with an empty sample table.
func NewDetector() *Detector {
	return &Detector{samples: make(map[*scheduler.Manager]int64)}
}

// Observe samples mgr and reports whether it is frozen relative to the
// previous sample. The new sample replaces the old one.
func (d *Detector) Observe(mgr *scheduler.Manager) bool {
	cur := mgr.CurrentTime()
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.samples[mgr]
	d.samples[mgr] = cur
	return IsFrozen(prev, cur)
}

// Reset records mgr's current time as its latest sample.
func (d *Detector) Reset(mgr *scheduler.Manager) {
	cur := mgr.CurrentTime()
	d.mu.Lock()
	d.samples[mgr] = cur
	d.mu.Unlock()
}

// Forget drops mgr from the sample table.
func (d *Detector) Forget(mgr *scheduler.Manager) {
	d.mu.Lock()
	delete(d.samples, mgr)
	d.mu.Unlock()
}

// Sample returns the last sample of mgr and whether one exists.
func (d *Detector) Sample(mgr *scheduler.Manager) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.samples[mgr]
	return v, ok
}
