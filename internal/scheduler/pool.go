package scheduler

import (
	"fmt"
)

// Pool is the fixed set of region time managers shared by all regions.
// Regions are spread across managers in a zig-zag order so that neighbouring
// region indices land on different managers.
type Pool struct {
	managers []*Manager
}

// NewPool creates count stopped managers named RegionTime1..RegionTimeN.
//
// Precondition: count >= 1.
// Postcondition: len(Managers()) == count; every manager shares opts.
func NewPool(count int, opts Options) (*Pool, error) {
	if count < 1 {
		return nil, fmt.Errorf("scheduler.NewPool: count must be >= 1, got %d", count)
	}
	p := &Pool{managers: make([]*Manager, count)}
	for i := range p.managers {
		p.managers[i] = NewManager(fmt.Sprintf("RegionTime%d", i+1), opts)
	}
	return p, nil
}

// Managers returns a copy of the managers slice.
func (p *Pool) Managers() []*Manager {
	out := make([]*Manager, len(p.managers))
	copy(out, p.managers)
	return out
}

// Assign returns the manager serving the region at position index in load order.
//
// Precondition: index >= 0.
func (p *Pool) Assign(index int) *Manager {
	n := len(p.managers)
	slot := index%(2*n) - n
	if slot < 0 {
		slot = -slot
	}
	return p.managers[slot%n]
}

// StartAll starts every manager.
func (p *Pool) StartAll() {
	for _, m := range p.managers {
		m.Start()
	}
}

// StopAll stops every manager in reverse order.
func (p *Pool) StopAll() {
	for i := len(p.managers) - 1; i >= 0; i-- {
		p.managers[i].Stop()
	}
}
