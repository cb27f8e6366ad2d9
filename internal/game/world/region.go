package world

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// RegionDef is the static definition of a region.
type RegionDef struct {
	ID          uint16
	Name        string
	Description string
}

// Validate checks that the definition satisfies basic invariants.
//
// Postcondition: Returns nil iff ID > 0 and Name is non-empty.
func (d RegionDef) Validate() error {
	if d.ID == 0 {
		return fmt.Errorf("region id must be > 0")
	}
	if d.Name == "" {
		return fmt.Errorf("region %d: name must not be empty", d.ID)
	}
	return nil
}

// Region is a spatial partition with its own time manager. It owns the
// manager; the manager owns the timers; timers refer back to objects weakly.
//
// The object set is lock-free so that a snapshot never waits on a goroutine
// stuck inside a timer callback.
type Region struct {
	def     RegionDef
	mgr     *scheduler.Manager
	objects sync.Map // ObjectID -> GameObject
	count   atomic.Int64
}

// NewRegion creates a region driven by mgr.
//
// Precondition: def must pass Validate; mgr must be non-nil.
func NewRegion(def RegionDef, mgr *scheduler.Manager) (*Region, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if mgr == nil {
		return nil, fmt.Errorf("region %d: time manager must not be nil", def.ID)
	}
	return &Region{def: def, mgr: mgr}, nil
}

// ID returns the region id.
func (r *Region) ID() uint16 { return r.def.ID }

// Name returns the region name.
func (r *Region) Name() string { return r.def.Name }

// Description returns the display description, falling back to the name.
func (r *Region) Description() string {
	if r.def.Description == "" {
		return r.def.Name
	}
	return r.def.Description
}

// Manager returns the time manager driving this region.
func (r *Region) Manager() *scheduler.Manager { return r.mgr }

// Add places obj in the region.
//
// Postcondition: Returns false when an object with the same id is already present.
func (r *Region) Add(obj GameObject) bool {
	if _, loaded := r.objects.LoadOrStore(obj.ObjectID(), obj); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

// Remove takes the object with id out of the region. No-op when absent.
func (r *Region) Remove(id string) bool {
	if _, ok := r.objects.LoadAndDelete(id); ok {
		r.count.Add(-1)
		return true
	}
	return false
}

// Object returns the object with id.
func (r *Region) Object(id string) (GameObject, bool) {
	v, ok := r.objects.Load(id)
	if !ok {
		return nil, false
	}
	return v.(GameObject), true
}

// Objects returns a snapshot of the live objects ordered by id. Objects added
// or removed while the snapshot is taken may or may not appear.
func (r *Region) Objects() []GameObject {
	out := make([]GameObject, 0, r.count.Load())
	r.objects.Range(func(_, v any) bool {
		out = append(out, v.(GameObject))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectID() < out[j].ObjectID() })
	return out
}

// ObjectCount returns the number of live objects.
func (r *Region) ObjectCount() int { return int(r.count.Load()) }

// String returns a short description of the region.
func (r *Region) String() string {
	return fmt.Sprintf("region %d %q (%s)", r.def.ID, r.def.Name, r.mgr.Name())
}
