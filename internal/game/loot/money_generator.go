package loot

import (
	"fmt"

	"github.com/cory-johannsen/dolcore/internal/game/dice"
	"github.com/cory-johannsen/dolcore/internal/game/world"
)

// DefaultCoinItem is the item id of coin drops when none is configured.
const DefaultCoinItem = "copper"

// MoneyGenerator drops a fixed pile of coins whose size is a dice roll
// multiplied by the mob's level.
type MoneyGenerator struct {
	name     string
	priority int
	item     string
	expr     dice.Expression
	roller   *dice.Roller
}

// NewMoneyGenerator creates a coin generator rolling expr per mob level.
//
// Precondition: roller must be non-nil.
// Postcondition: Returns an error when expr does not parse.
func NewMoneyGenerator(name string, priority int, item, expr string, roller *dice.Roller) (*MoneyGenerator, error) {
	e, err := dice.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("money generator %q: %w", name, err)
	}
	if item == "" {
		item = DefaultCoinItem
	}
	return &MoneyGenerator{name: name, priority: priority, item: item, expr: e, roller: roller}, nil
}

func (g *MoneyGenerator) Name() string           { return g.name }
func (g *MoneyGenerator) ExclusivePriority() int { return g.priority }

// GenerateLoot adds roll*level coins, or nothing when that is not positive.
func (g *MoneyGenerator) GenerateLoot(mob Mob, _ world.GameObject) (*LootList, error) {
	list := NewLootList(0)
	level := max(mob.Level(), 1)
	if amount := g.roller.Roll(g.expr).Total() * level; amount > 0 {
		list.AddFixed(g.item, amount)
	}
	return list, nil
}

func (g *MoneyGenerator) Refresh(Mob) {}
