package scheduler

import "weak"

// RegionTimer is a Timer bound to the spatial entity that drives it. The timer
// holds only a weak reference to its action source: the entity's lifetime is
// independent of the queue, and a collected source stops the timer instead of
// firing it.
type RegionTimer[T any] struct {
	*Timer
	source weak.Pointer[T]
}

// ActionSource returns the entity this timer acts for.
//
// Postcondition: Returns (src, true) while the source is reachable, (nil, false) after.
func (rt *RegionTimer[T]) ActionSource() (*T, bool) {
	src := rt.source.Value()
	return src, src != nil
}

// NewRegionAction creates an idle region timer on mgr that calls fn with its
// action source. fn follows the Callback contract: return the next interval in
// milliseconds, or <= 0 to stop.
//
// Precondition: mgr, src and fn must be non-nil.
// Postcondition: Returns an idle timer; call Start to schedule it.
func NewRegionAction[T any](mgr *Manager, src *T, name string, fn func(src *T) int64) *RegionTimer[T] {
	if src == nil {
		panic("scheduler.NewRegionAction: source must not be nil")
	}
	if fn == nil {
		panic("scheduler.NewRegionAction: fn must not be nil")
	}
	rt := &RegionTimer[T]{source: weak.Make(src)}
	rt.Timer = mgr.NewTimer(name, func(*Timer) int64 {
		s, ok := rt.ActionSource()
		if !ok {
			return 0
		}
		return fn(s)
	})
	return rt
}
