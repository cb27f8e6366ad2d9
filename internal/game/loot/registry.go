package loot

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/dice"
	"github.com/cory-johannsen/dolcore/internal/game/world"
)

// KeyKind selects which attribute of a mob a registration matches.
type KeyKind int

const (
	KeyGlobal KeyKind = iota
	KeyMobName
	KeyGuild
	KeyFaction
	KeyRegion
)

func (k KeyKind) String() string {
	switch k {
	case KeyGlobal:
		return "global"
	case KeyMobName:
		return "name"
	case KeyGuild:
		return "guild"
	case KeyFaction:
		return "faction"
	case KeyRegion:
		return "region"
	default:
		return fmt.Sprintf("KeyKind(%d)", int(k))
	}
}

// Key is a registration key. Names are matched case-insensitively.
type Key struct {
	Kind  KeyKind
	Value string
}

// Global is the key of generators that apply to every mob.
func Global() Key { return Key{Kind: KeyGlobal} }

// ByName matches mobs with the given name.
func ByName(name string) Key { return Key{Kind: KeyMobName, Value: name} }

// ByGuild matches mobs of the given guild.
func ByGuild(guild string) Key { return Key{Kind: KeyGuild, Value: guild} }

// ByFaction matches mobs of the given faction.
func ByFaction(faction string) Key { return Key{Kind: KeyFaction, Value: faction} }

// ByRegion matches mobs in the given region.
func ByRegion(id uint16) Key { return Key{Kind: KeyRegion, Value: strconv.Itoa(int(id))} }

func (k Key) normalized() Key {
	return Key{Kind: k.Kind, Value: strings.ToLower(strings.TrimSpace(k.Value))}
}

func (k Key) String() string {
	if k.Kind == KeyGlobal {
		return "global"
	}
	return k.Kind.String() + ":" + k.Value
}

// Drop is one resolved item instance.
type Drop struct {
	InstanceID uuid.UUID
	ItemID     string
	Count      int
	Fixed      bool
}

// Registry maps mobs to their applicable generators and resolves kills into drops.
// It replaces a process-wide static table: build one at world load and pass it
// to whatever needs it. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[Key][]Generator
	src    dice.Source
	logger *zap.Logger
}

// NewRegistry creates an empty Registry drawing from src.
//
// Precondition: src must be non-nil.
func NewRegistry(src dice.Source, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{byKey: make(map[Key][]Generator), src: src, logger: logger}
}

// Register adds g under key. Registering the same generator twice under one
// key is a no-op.
//
// Precondition: g must be non-nil and comparable (a pointer in practice);
// key.Value must be non-empty unless key is Global.
func (r *Registry) Register(g Generator, key Key) error {
	if g == nil {
		return fmt.Errorf("loot: Register: generator must not be nil")
	}
	key = key.normalized()
	if key.Kind == KeyGlobal {
		key.Value = ""
	} else if key.Value == "" {
		return fmt.Errorf("loot: Register %s: %s key needs a value", g.Name(), key.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byKey[key] {
		if existing == g {
			return nil
		}
	}
	r.byKey[key] = append(r.byKey[key], g)
	return nil
}

// Unregister removes g from key. No-op when absent.
func (r *Registry) Unregister(g Generator, key Key) {
	key = key.normalized()
	if key.Kind == KeyGlobal {
		key.Value = ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	gens := r.byKey[key]
	for i, existing := range gens {
		if existing == g {
			r.byKey[key] = append(gens[:i:i], gens[i+1:]...)
			break
		}
	}
	if len(r.byKey[key]) == 0 {
		delete(r.byKey, key)
	}
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.byKey = make(map[Key][]Generator)
	r.mu.Unlock()
}

// GeneratorsFor returns every generator registered for mob: global first, then
// by name, guild, faction and region, each in registration order, without
// duplicates.
func (r *Registry) GeneratorsFor(mob Mob) []Generator {
	keys := []Key{
		{Kind: KeyGlobal},
		ByName(mob.Name()).normalized(),
		ByGuild(mob.Guild()).normalized(),
		ByFaction(mob.Faction()).normalized(),
		ByRegion(mob.RegionID()),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Generator
	seen := make(map[Generator]bool)
	for _, k := range keys {
		if k.Kind != KeyGlobal && k.Value == "" {
			continue
		}
		for _, g := range r.byKey[k] {
			if !seen[g] {
				seen[g] = true
				out = append(out, g)
			}
		}
	}
	return out
}

// Applicable applies the exclusivity rule to GeneratorsFor(mob): when any
// generator has a positive ExclusivePriority, only the first one with the
// highest priority is returned.
func (r *Registry) Applicable(mob Mob) []Generator {
	gens := r.GeneratorsFor(mob)
	var exclusive Generator
	best := 0
	for _, g := range gens {
		if p := g.ExclusivePriority(); p > best {
			best = p
			exclusive = g
		}
	}
	if exclusive != nil {
		return []Generator{exclusive}
	}
	return gens
}

// GenerateLoot merges the lists of every applicable generator. A generator
// that errors or panics contributes nothing and is logged.
//
// Postcondition: Returns a non-nil LootList.
func (r *Registry) GenerateLoot(mob Mob, killer world.GameObject) *LootList {
	merged := NewLootList(0)
	for _, g := range r.Applicable(mob) {
		list, err := r.generate(g, mob, killer)
		if err != nil {
			r.logger.Error("loot generator failed",
				zap.String("generator", g.Name()),
				zap.String("mob", mob.Name()),
				zap.Error(err),
			)
			continue
		}
		merged.AddAll(list)
	}
	return merged
}

func (r *Registry) generate(g Generator, mob Mob, killer world.GameObject) (list *LootList, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			list, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return g.GenerateLoot(mob, killer)
}

// GetLoot generates and resolves the loot of one kill.
func (r *Registry) GetLoot(mob Mob, killer world.GameObject) []Drop {
	list := r.GenerateLoot(mob, killer)
	nFixed := len(list.fixed)
	entries := list.GetLoot(r.src)
	drops := make([]Drop, len(entries))
	for i, e := range entries {
		drops[i] = Drop{
			InstanceID: uuid.New(),
			ItemID:     e.ItemID,
			Count:      e.Count,
			Fixed:      i < nFixed,
		}
	}
	if len(drops) > 0 {
		r.logger.Debug("loot resolved",
			zap.String("mob", mob.Name()),
			zap.Int("drops", len(drops)),
		)
	}
	return drops
}

// Refresh asks every generator registered for mob to reload its cache.
func (r *Registry) Refresh(mob Mob) {
	for _, g := range r.GeneratorsFor(mob) {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("loot generator refresh panicked",
						zap.String("generator", g.Name()),
						zap.Any("panic", rec),
					)
				}
			}()
			g.Refresh(mob)
		}()
	}
}

// Keys returns every key with at least one registration, ordered by kind then value.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	out := make([]Key, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Value < out[j].Value
	})
	return out
}
