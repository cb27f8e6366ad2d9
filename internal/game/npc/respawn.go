package npc

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// RegionSpawn holds the resolved spawn configuration for one NPC template in one region.
//
// Invariant: Max >= 1; RespawnDelay == 0 defers to the template's delay.
type RegionSpawn struct {
	// TemplateID is the NPC template to spawn.
	TemplateID string
	// Max is the population cap: respawn is suppressed when live count >= Max.
	Max int
	// RespawnDelay overrides the template's delay when non-zero.
	RespawnDelay time.Duration
}

// RespawnManager schedules NPC respawns as timers on the dead NPC's region clock.
// It is safe for concurrent use.
//
// Invariant: respawns with zero delay are never scheduled.
type RespawnManager struct {
	npcs      *Manager
	logger    *zap.Logger
	templates map[string]*Template // read-only after construction

	mu      sync.Mutex
	spawns  map[uint16][]RegionSpawn
	pending map[*scheduler.Timer]struct{}
}

// NewRespawnManager creates a RespawnManager over npcs from region spawn configs
// and a template map.
//
// Precondition: npcs must be non-nil; spawns and templates may be nil.
// Postcondition: Returns a non-nil RespawnManager.
func NewRespawnManager(npcs *Manager, spawns map[uint16][]RegionSpawn, templates map[string]*Template, logger *zap.Logger) *RespawnManager {
	if spawns == nil {
		spawns = make(map[uint16][]RegionSpawn)
	}
	if templates == nil {
		templates = make(map[string]*Template)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RespawnManager{
		npcs:      npcs,
		logger:    logger,
		templates: templates,
		spawns:    spawns,
		pending:   make(map[*scheduler.Timer]struct{}),
	}
}

// HandleDeath is a DeathHook that schedules a respawn of the dead NPC's template.
func (r *RespawnManager) HandleDeath(inst *Instance, _ world.GameObject) {
	r.Schedule(inst.TemplateID(), inst.Region(), r.ResolvedDelay(inst.TemplateID(), inst.RegionID()))
}

// PopulateRegion enforces the population cap for each RegionSpawn config in region.
// It first removes excess instances when the live count exceeds Max, then spawns
// new instances to fill the region up to exactly Max.
//
// Precondition: region must be non-nil.
// Postcondition: for each template config in region, instances beyond Max are removed
// and new instances are spawned until count == Max (subject to Spawn succeeding).
func (r *RespawnManager) PopulateRegion(region *world.Region) {
	r.mu.Lock()
	configs := append([]RegionSpawn(nil), r.spawns[region.ID()]...)
	r.mu.Unlock()

	for _, cfg := range configs {
		tmpl, ok := r.templates[cfg.TemplateID]
		if !ok {
			r.logger.Warn("spawn references unknown template",
				zap.String("template", cfg.TemplateID),
				zap.Uint16("region", region.ID()),
			)
			continue
		}

		var matching []*Instance
		for _, inst := range r.npcs.InstancesInRegion(region.ID()) {
			if inst.TemplateID() == cfg.TemplateID {
				matching = append(matching, inst)
			}
		}
		for len(matching) > cfg.Max {
			last := matching[len(matching)-1]
			matching = matching[:len(matching)-1]
			_ = r.npcs.Remove(last.ObjectID())
		}

		for i := len(matching); i < cfg.Max; i++ {
			if _, err := r.npcs.Spawn(tmpl, region); err != nil {
				// Non-fatal; the next populate or respawn retries.
				r.logger.Warn("spawning npc", zap.String("template", tmpl.ID), zap.Error(err))
			}
		}
	}
}

// Schedule starts a timer on region's clock that respawns templateID after delay,
// subject to the region's population cap. No-op when delay <= 0.
//
// Precondition: templateID must be non-empty; region must be non-nil.
func (r *RespawnManager) Schedule(templateID string, region *world.Region, delay time.Duration) {
	if delay <= 0 {
		return
	}
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}

	var t *scheduler.Timer
	t = region.Manager().NewTimer("respawn:"+templateID, func(*scheduler.Timer) int64 {
		r.mu.Lock()
		delete(r.pending, t)
		r.mu.Unlock()
		r.respawn(templateID, region)
		return 0
	})

	r.mu.Lock()
	r.pending[t] = struct{}{}
	r.mu.Unlock()
	if err := t.Start(ms); err != nil {
		r.mu.Lock()
		delete(r.pending, t)
		r.mu.Unlock()
		r.logger.Warn("scheduling respawn", zap.String("template", templateID), zap.Error(err))
	}
}

func (r *RespawnManager) respawn(templateID string, region *world.Region) {
	tmpl, ok := r.templates[templateID]
	if !ok {
		return
	}
	cfg, ok := r.configFor(region.ID(), templateID)
	if !ok {
		return
	}
	if r.npcs.CountInRegion(region.ID(), templateID) >= cfg.Max {
		return
	}
	if _, err := r.npcs.Spawn(tmpl, region); err != nil {
		r.logger.Warn("respawning npc", zap.String("template", templateID), zap.Error(err))
	}
}

// Pending returns the number of scheduled respawns.
func (r *RespawnManager) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop cancels every scheduled respawn.
func (r *RespawnManager) Stop() {
	r.mu.Lock()
	timers := r.pending
	r.pending = make(map[*scheduler.Timer]struct{})
	r.mu.Unlock()
	for t := range timers {
		t.Stop()
	}
}

// ResolvedDelay returns the effective respawn delay for templateID in regionID:
// the region's RespawnDelay if non-zero, otherwise the template's RespawnDelay.
// Returns 0 when neither is set or the template is unknown.
//
// Postcondition: Returns >= 0.
func (r *RespawnManager) ResolvedDelay(templateID string, regionID uint16) time.Duration {
	if cfg, ok := r.configFor(regionID, templateID); ok && cfg.RespawnDelay > 0 {
		return cfg.RespawnDelay
	}
	tmpl, ok := r.templates[templateID]
	if !ok {
		return 0
	}
	return tmpl.Respawn()
}

func (r *RespawnManager) configFor(regionID uint16, templateID string) (RegionSpawn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cfg := range r.spawns[regionID] {
		if cfg.TemplateID == templateID {
			return cfg, true
		}
	}
	return RegionSpawn{}, false
}

// SpawnsFromTemplates builds one RegionSpawn per template, keyed by the
// template's region, capped at the template's count.
func SpawnsFromTemplates(templates []*Template) map[uint16][]RegionSpawn {
	out := make(map[uint16][]RegionSpawn)
	for _, t := range templates {
		limit := t.Count
		if limit < 1 {
			limit = 1
		}
		out[t.Region] = append(out[t.Region], RegionSpawn{TemplateID: t.ID, Max: limit})
	}
	return out
}
