package npc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/scheduler"
)

// Instance is a live NPC in a region.
type Instance struct {
	id     string
	tmpl   *Template
	region *world.Region
	path   []Waypoint
	mover  *scheduler.RegionTimer[Instance]
	moveMs int64

	mu           sync.Mutex
	brain        world.Brain
	hp           int
	dead         bool
	waypoint     int
	pos          Waypoint
	lastAttacker world.GameObject
	onDeath      func(inst *Instance, killer world.GameObject)
}

// NewInstance creates a live NPC from tmpl in region. It is not added to the
// region and has no brain.
//
// Precondition: id must be non-empty; tmpl and region must be non-nil.
// Postcondition: HP equals tmpl.MaxHP; position is the first waypoint, if any.
func NewInstance(id string, tmpl *Template, region *world.Region) *Instance {
	inst := &Instance{
		id:     id,
		tmpl:   tmpl,
		region: region,
		path:   append([]Waypoint(nil), tmpl.Path...),
		moveMs: tmpl.MoveEvery().Milliseconds(),
		hp:     tmpl.MaxHP,
	}
	if len(inst.path) > 0 {
		inst.pos = inst.path[0]
	}
	inst.mover = scheduler.NewRegionAction(region.Manager(), inst, "move:"+id, (*Instance).moveTick)
	return inst
}

// ObjectID returns the instance id.
func (i *Instance) ObjectID() string { return i.id }

// Name returns the template display name.
func (i *Instance) Name() string { return i.tmpl.Name }

// TemplateID returns the source template id.
func (i *Instance) TemplateID() string { return i.tmpl.ID }

// Template returns the source template.
func (i *Instance) Template() *Template { return i.tmpl }

// Guild returns the guild name, or "".
func (i *Instance) Guild() string { return i.tmpl.Guild }

// Faction returns the faction name, or "".
func (i *Instance) Faction() string { return i.tmpl.Faction }

// Realm returns the realm number; 0 is realmless.
func (i *Instance) Realm() int { return i.tmpl.Realm }

// Level returns the level.
func (i *Instance) Level() int { return i.tmpl.Level }

// Region returns the region the instance lives in.
func (i *Instance) Region() *world.Region { return i.region }

// RegionID returns the id of the region the instance lives in.
func (i *Instance) RegionID() uint16 { return i.region.ID() }

// HP returns the current hit points.
func (i *Instance) HP() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hp
}

// Brain returns the attached brain, or nil.
func (i *Instance) Brain() world.Brain {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.brain
}

// AttachBrain replaces the current brain without starting it.
func (i *Instance) AttachBrain(b world.Brain) {
	i.mu.Lock()
	i.brain = b
	i.mu.Unlock()
}

// DetachBrain removes and returns the current brain without stopping it.
func (i *Instance) DetachBrain() world.Brain {
	i.mu.Lock()
	defer i.mu.Unlock()
	b := i.brain
	i.brain = nil
	return b
}

// Position returns the current position.
func (i *Instance) Position() Waypoint {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pos
}

// Waypoint returns the index of the last waypoint reached.
func (i *Instance) Waypoint() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.waypoint
}

// Moving reports whether the movement action is scheduled.
func (i *Instance) Moving() bool { return i.mover.IsAlive() }

// ErrDead is returned when acting on a dead instance.
var ErrDead = errors.New("npc: instance is dead")

// ResumePath restarts patrol movement from the last waypoint reached. No-op
// for an instance without a path.
func (i *Instance) ResumePath() error {
	i.mu.Lock()
	if i.dead {
		i.mu.Unlock()
		return ErrDead
	}
	if len(i.path) == 0 {
		i.mu.Unlock()
		return nil
	}
	i.pos = i.path[i.waypoint]
	i.mu.Unlock()

	i.mover.Stop()
	if err := i.mover.Start(i.moveMs); err != nil {
		return fmt.Errorf("resuming path for %s: %w", i.id, err)
	}
	return nil
}

// StopMoving cancels the movement action.
func (i *Instance) StopMoving() { i.mover.Stop() }

// moveTick advances to the next waypoint, looping at the end of the path.
func (i *Instance) moveTick() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.dead || len(i.path) == 0 {
		return 0
	}
	i.waypoint = (i.waypoint + 1) % len(i.path)
	i.pos = i.path[i.waypoint]
	return i.moveMs
}

// Hit lowers HP by n and kills the instance at zero.
//
// Precondition: n >= 0.
// Postcondition: Returns true when this hit killed the instance.
func (i *Instance) Hit(n int, attacker world.GameObject) bool {
	i.mu.Lock()
	if i.dead {
		i.mu.Unlock()
		return false
	}
	i.hp -= n
	if attacker != nil {
		i.lastAttacker = attacker
	}
	lethal := i.hp <= 0
	i.mu.Unlock()
	if lethal {
		i.Die()
	}
	return lethal
}

// IsDead reports whether the instance has died.
func (i *Instance) IsDead() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dead
}

// Die tears the instance down: brain and movement stopped, removed from its
// region, death hook run. Idempotent.
func (i *Instance) Die() {
	i.mu.Lock()
	if i.dead {
		i.mu.Unlock()
		return
	}
	i.dead = true
	if i.hp > 0 {
		i.hp = 0
	}
	b := i.brain
	hook := i.onDeath
	killer := i.lastAttacker
	i.mu.Unlock()

	if b != nil {
		b.Stop()
	}
	i.mover.Stop()
	i.region.Remove(i.id)
	if hook != nil {
		hook(i, killer)
	}
}

func (i *Instance) setDeathHook(fn func(*Instance, world.GameObject)) {
	i.mu.Lock()
	i.onDeath = fn
	i.mu.Unlock()
}

// String returns a short description of the instance.
func (i *Instance) String() string {
	return fmt.Sprintf("npc %s %q region:%d", i.id, i.tmpl.Name, i.region.ID())
}
