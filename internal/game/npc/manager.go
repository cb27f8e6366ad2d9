package npc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/world"
)

// DeathHook observes an NPC death. killer is the last attacker, or nil.
type DeathHook func(inst *Instance, killer world.GameObject)

// Manager tracks all live NPC instances by ID and by region.
// All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	instances  map[string]*Instance       // instanceID → Instance
	regionSets map[uint16]map[string]bool // regionID → set of instanceIDs
	hooks      []DeathHook
	counter    atomic.Uint64
	logger     *zap.Logger
}

// NewManager creates an empty NPC Manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		instances:  make(map[string]*Instance),
		regionSets: make(map[uint16]map[string]bool),
		logger:     logger,
	}
}

// OnDeath registers hook to run after every NPC death, in registration order.
func (m *Manager) OnDeath(hook DeathHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// Spawn creates a new Instance from tmpl, places it in region, and starts its
// brain and patrol.
//
// Precondition: tmpl must be non-nil and validated; region must be non-nil.
// Postcondition: Returns a new Instance with a unique ID registered in region.
func (m *Manager) Spawn(tmpl *Template, region *world.Region) (*Instance, error) {
	return m.spawn(tmpl, region, func(inst *Instance) world.Brain {
		if !tmpl.HasBrain() {
			return nil
		}
		return NewStandardBrain(inst, tmpl.ThinkEvery().Milliseconds(), nil)
	})
}

// SpawnPet creates an instance of tmpl driven by a brain owned by ownerID,
// whatever brain the template requests.
//
// Precondition: ownerID must be non-empty.
func (m *Manager) SpawnPet(tmpl *Template, region *world.Region, ownerID string) (*Instance, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("npc.Manager.SpawnPet: ownerID must not be empty")
	}
	return m.spawn(tmpl, region, func(inst *Instance) world.Brain {
		return NewControlledBrain(inst, tmpl.ThinkEvery().Milliseconds(), ownerID, nil)
	})
}

func (m *Manager) spawn(tmpl *Template, region *world.Region, brain func(*Instance) world.Brain) (*Instance, error) {
	if tmpl == nil {
		return nil, fmt.Errorf("npc.Manager.Spawn: tmpl must not be nil")
	}
	if region == nil {
		return nil, fmt.Errorf("npc.Manager.Spawn: region must not be nil")
	}

	n := m.counter.Add(1)
	id := fmt.Sprintf("%s-%d-%d", tmpl.ID, region.ID(), n)
	inst := NewInstance(id, tmpl, region)
	inst.setDeathHook(m.handleDeath)
	if b := brain(inst); b != nil {
		inst.AttachBrain(b)
	}

	m.mu.Lock()
	m.instances[id] = inst
	if m.regionSets[region.ID()] == nil {
		m.regionSets[region.ID()] = make(map[string]bool)
	}
	m.regionSets[region.ID()][id] = true
	m.mu.Unlock()

	region.Add(inst)
	if b := inst.Brain(); b != nil {
		if err := b.Start(); err != nil {
			_ = m.Remove(id)
			return nil, fmt.Errorf("npc.Manager.Spawn: %w", err)
		}
	}
	if err := inst.ResumePath(); err != nil {
		_ = m.Remove(id)
		return nil, fmt.Errorf("npc.Manager.Spawn: %w", err)
	}
	return inst, nil
}

func (m *Manager) handleDeath(inst *Instance, killer world.GameObject) {
	m.mu.Lock()
	m.forgetLocked(inst)
	hooks := append([]DeathHook(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Debug("npc died",
		zap.String("npc", inst.id),
		zap.Uint16("region", inst.RegionID()),
	)
	for _, h := range hooks {
		h(inst, killer)
	}
}

func (m *Manager) forgetLocked(inst *Instance) bool {
	if _, ok := m.instances[inst.id]; !ok {
		return false
	}
	rid := inst.RegionID()
	if rs, ok := m.regionSets[rid]; ok {
		delete(rs, inst.id)
		if len(rs) == 0 {
			delete(m.regionSets, rid)
		}
	}
	delete(m.instances, inst.id)
	return true
}

// Remove despawns an instance by ID without running death hooks.
//
// Precondition: id must be non-empty.
// Postcondition: Returns an error if the instance is not found.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if ok {
		m.forgetLocked(inst)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("npc instance %q not found", id)
	}

	inst.setDeathHook(nil)
	inst.Die()
	return nil
}

// Get returns the instance with the given ID.
//
// Postcondition: Returns (inst, true) if found, or (nil, false) otherwise.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// InstancesInRegion returns a snapshot of all live instances in regionID, ordered by id.
//
// Postcondition: Returns a non-nil slice (may be empty).
func (m *Manager) InstancesInRegion(regionID uint16) []*Instance {
	m.mu.RLock()
	ids := m.regionSets[regionID]
	out := make([]*Instance, 0, len(ids))
	for id := range ids {
		if inst, ok := m.instances[id]; ok {
			out = append(out, inst)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// CountInRegion returns how many live instances of templateID are in regionID.
func (m *Manager) CountInRegion(regionID uint16, templateID string) int {
	count := 0
	for _, inst := range m.InstancesInRegion(regionID) {
		if inst.TemplateID() == templateID {
			count++
		}
	}
	return count
}

// FindInRegion returns the first instance in regionID whose Name has target as a
// case-insensitive prefix. Returns nil if no match is found.
func (m *Manager) FindInRegion(regionID uint16, target string) *Instance {
	lower := strings.ToLower(target)
	for _, inst := range m.InstancesInRegion(regionID) {
		if strings.HasPrefix(strings.ToLower(inst.Name()), lower) {
			return inst
		}
	}
	return nil
}

// Count returns the number of live instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}
