package world

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// Manager provides thread-safe access to the loaded regions.
// It is built at world load and torn down at shutdown; there is no global instance.
type Manager struct {
	mu      sync.RWMutex
	regions map[uint16]*Region
}

// NewManager creates an empty world.
func NewManager() *Manager {
	return &Manager{regions: make(map[uint16]*Region)}
}

// RegisterRegion creates a region for def driven by mgr.
//
// Precondition: def must pass Validate; mgr must be non-nil.
// Postcondition: Returns the new region, or an error on a duplicate id.
func (m *Manager) RegisterRegion(def RegionDef, mgr *scheduler.Manager) (*Region, error) {
	r, err := NewRegion(def, mgr)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.regions[def.ID]; ok {
		return nil, fmt.Errorf("duplicate region ID %d: %q and %q", def.ID, existing.Name(), def.Name)
	}
	m.regions[def.ID] = r
	return r, nil
}

// Populate registers defs in order, spreading them over the pool's managers.
//
// Precondition: pool must be non-nil.
// Postcondition: Returns the regions in def order, or the first registration error.
func (m *Manager) Populate(pool *scheduler.Pool, defs []RegionDef) ([]*Region, error) {
	out := make([]*Region, 0, len(defs))
	for i, def := range defs {
		r, err := m.RegisterRegion(def, pool.Assign(i))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Region returns the region with the given id.
//
// Postcondition: Returns (region, true) if found, or (nil, false) otherwise.
func (m *Manager) Region(id uint16) (*Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regions[id]
	return r, ok
}

// Regions returns all regions ordered by id.
//
// Postcondition: Returns a non-nil slice; may be empty.
func (m *Manager) Regions() []*Region {
	m.mu.RLock()
	out := make([]*Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RegionsDrivenBy returns the regions whose time manager is mgr, ordered by id.
func (m *Manager) RegionsDrivenBy(mgr *scheduler.Manager) []*Region {
	var out []*Region
	for _, r := range m.Regions() {
		if r.Manager() == mgr {
			out = append(out, r)
		}
	}
	return out
}

// RegionCount returns the number of loaded regions.
func (m *Manager) RegionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regions)
}

// Close drops every region. Time managers are owned by the pool and are not stopped.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = make(map[uint16]*Region)
}
