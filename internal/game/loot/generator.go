package loot

import (
	"errors"

	"github.com/cory-johannsen/dolcore/internal/game/world"
)

// ErrUnknownGenerator is returned when a binding names a kind with no factory.
var ErrUnknownGenerator = errors.New("loot: unknown generator kind")

// Mob is the view of a killed NPC that generators need.
type Mob interface {
	Name() string
	Guild() string
	Faction() string
	RegionID() uint16
	Level() int
}

// Realmed is implemented by killers that belong to a realm. Realm 0 is neutral.
type Realmed interface {
	Realm() int
}

// KillerRealm returns the killer's realm, or 0 when it has none.
func KillerRealm(killer world.GameObject) int {
	if r, ok := killer.(Realmed); ok {
		return r.Realm()
	}
	return 0
}

// Generator proposes loot for a kill.
type Generator interface {
	// Name identifies the generator in logs.
	Name() string
	// ExclusivePriority > 0 makes the generator override all others when it
	// is the highest-priority applicable generator.
	ExclusivePriority() int
	// GenerateLoot returns the candidates for mob killed by killer. killer may be nil.
	GenerateLoot(mob Mob, killer world.GameObject) (*LootList, error)
	// Refresh reloads whatever the generator caches for mob.
	Refresh(mob Mob)
}
