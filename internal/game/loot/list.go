// Package loot resolves what a killed NPC drops: generators propose fixed and
// weighted random entries, the Registry merges them and a LootList resolves
// them into concrete drops.
package loot

import (
	"fmt"

	"github.com/cory-johannsen/dolcore/internal/game/dice"
)

// Entry is one candidate drop.
type Entry struct {
	ItemID string
	Count  int
	// Chance is the weight of a random entry, 1..100; ignored for fixed entries.
	Chance int
}

// LootList collects the candidates for one kill.
//
// Invariant: fixed entries always resolve; random entries are drawn without
// replacement, at most DropCount of them.
type LootList struct {
	DropCount int
	fixed     []Entry
	random    []Entry
}

// NewLootList creates an empty list with the given drop count.
func NewLootList(dropCount int) *LootList {
	if dropCount < 0 {
		dropCount = 0
	}
	return &LootList{DropCount: dropCount}
}

// AddFixed adds an entry that always drops. Counts below 1 are treated as 1.
func (l *LootList) AddFixed(itemID string, count int) {
	if count < 1 {
		count = 1
	}
	l.fixed = append(l.fixed, Entry{ItemID: itemID, Count: count, Chance: 100})
}

// AddRandom adds a weighted random entry.
//
// Postcondition: Returns an error when chance is outside [1, 100] or itemID is empty.
func (l *LootList) AddRandom(chance int, itemID string, count int) error {
	if itemID == "" {
		return fmt.Errorf("loot: random entry item must not be empty")
	}
	if chance < 1 || chance > 100 {
		return fmt.Errorf("loot: random entry %q chance %d outside [1, 100]", itemID, chance)
	}
	if count < 1 {
		count = 1
	}
	l.random = append(l.random, Entry{ItemID: itemID, Count: count, Chance: chance})
	return nil
}

// AddAll appends other's entries and keeps the larger drop count.
func (l *LootList) AddAll(other *LootList) {
	if other == nil {
		return
	}
	l.fixed = append(l.fixed, other.fixed...)
	l.random = append(l.random, other.random...)
	l.DropCount = max(l.DropCount, other.DropCount)
}

// Fixed returns a copy of the fixed entries.
func (l *LootList) Fixed() []Entry { return append([]Entry(nil), l.fixed...) }

// Random returns a copy of the random entries.
func (l *LootList) Random() []Entry { return append([]Entry(nil), l.random...) }

// Empty reports whether the list has no candidates.
func (l *LootList) Empty() bool { return len(l.fixed) == 0 && len(l.random) == 0 }

// GetLoot resolves the list: every fixed entry, then up to
// min(DropCount, len(random)) draws from the random pool. Each draw picks an
// offset in [1, 100*poolSize] and walks the pool subtracting chances; the
// entry that takes the offset to zero or below is selected and removed, and
// the space shrinks by 100. An offset past the pool's total chance is a miss.
//
// Precondition: src must be non-nil.
// Postcondition: The result holds every fixed entry in order followed by
// distinct random entries; the list itself is unchanged.
func (l *LootList) GetLoot(src dice.Source) []Entry {
	pool := append([]Entry(nil), l.random...)
	draws := max(min(l.DropCount, len(pool)), 0)

	out := make([]Entry, 0, len(l.fixed)+draws)
	out = append(out, l.fixed...)
	space := len(pool) * 100
	for i := 0; i < draws && len(pool) > 0; i++ {
		offset := src.Intn(space) + 1
		for j, e := range pool {
			offset -= e.Chance
			if offset <= 0 {
				out = append(out, e)
				pool = append(pool[:j], pool[j+1:]...)
				space -= 100
				break
			}
		}
	}
	return out
}
