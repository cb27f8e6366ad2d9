package loot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/scripting"
)

// ScriptFunction is the Lua global a scripted generator calls.
const ScriptFunction = "generate_loot"

// scriptTimeout bounds one scripted generation in wall time, on top of the
// VM's opcode budget.
const scriptTimeout = 250 * time.Millisecond

// ScriptGenerator calls generate_loot(mob) in a sandboxed script set. The
// function receives {name, guild, faction, region, level, killer_realm} and
// returns {drop_count = n, fixed = {{item, count}}, random = {{item, chance, count}}}.
type ScriptGenerator struct {
	name     string
	priority int
	set      string
	dir      string
	scripts  *scripting.Manager
	logger   *zap.Logger
}

// NewScriptGenerator creates a generator calling into script set set.
// dir, when non-empty, is the directory Refresh reloads the set from.
//
// Precondition: scripts must be non-nil.
func NewScriptGenerator(name string, priority int, scripts *scripting.Manager, set, dir string, logger *zap.Logger) *ScriptGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptGenerator{name: name, priority: priority, set: set, dir: dir, scripts: scripts, logger: logger}
}

func (g *ScriptGenerator) Name() string           { return g.name }
func (g *ScriptGenerator) ExclusivePriority() int { return g.priority }

// GenerateLoot runs the script and converts its result.
func (g *ScriptGenerator) GenerateLoot(mob Mob, killer world.GameObject) (*LootList, error) {
	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()
	ret, err := g.scripts.Call(ctx, g.set, ScriptFunction, map[string]any{
		"name":         mob.Name(),
		"guild":        mob.Guild(),
		"faction":      mob.Faction(),
		"region":       mob.RegionID(),
		"level":        mob.Level(),
		"killer_realm": KillerRealm(killer),
	})
	if err != nil {
		return nil, err
	}
	return listFromScript(ret)
}

func listFromScript(ret any) (*LootList, error) {
	if ret == nil {
		return NewLootList(0), nil
	}
	tbl, ok := ret.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want a table", ScriptFunction, ret)
	}
	list := NewLootList(intField(tbl, "drop_count"))
	for i, raw := range sliceField(tbl, "fixed") {
		e, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: fixed[%d] is not a table", ScriptFunction, i+1)
		}
		item, _ := e["item"].(string)
		if item == "" {
			return nil, fmt.Errorf("%s: fixed[%d] has no item", ScriptFunction, i+1)
		}
		list.AddFixed(item, intField(e, "count"))
	}
	for i, raw := range sliceField(tbl, "random") {
		e, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: random[%d] is not a table", ScriptFunction, i+1)
		}
		item, _ := e["item"].(string)
		if err := list.AddRandom(intField(e, "chance"), item, intField(e, "count")); err != nil {
			return nil, fmt.Errorf("%s: random[%d]: %w", ScriptFunction, i+1, err)
		}
	}
	return list, nil
}

func intField(m map[string]any, key string) int {
	f, _ := m[key].(float64)
	return int(f)
}

// sliceField tolerates an empty Lua table, which converts to an empty map.
func sliceField(m map[string]any, key string) []any {
	s, _ := m[key].([]any)
	return s
}

// Refresh reloads the script set from its directory, if it has one.
// A failed reload keeps the previous set.
func (g *ScriptGenerator) Refresh(mob Mob) {
	if g.dir == "" {
		return
	}
	if err := g.scripts.LoadDir(g.set, g.dir); err != nil {
		g.logger.Warn("reloading loot script",
			zap.String("generator", g.name),
			zap.String("mob", mob.Name()),
			zap.Error(err),
		)
	}
}
