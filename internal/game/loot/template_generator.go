package loot

import (
	"context"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/world"
)

// templated is implemented by mobs spawned from an NPC template.
type templated interface {
	TemplateID() string
}

// TemplateGenerator drops items from the loot templates in a TemplateStore.
//
// Lookup for a mob tries links keyed by its NPC template id, then links keyed
// by its name. Without links, the template named after the mob applies in full
// with one random draw. Items whose realm differs from the killer's are
// skipped unless cross-realm drops are allowed.
type TemplateGenerator struct {
	name       string
	priority   int
	crossRealm bool
	store      *TemplateStore
	logger     *zap.Logger
}

// NewTemplateGenerator creates a generator over store.
//
// Precondition: store must be non-nil.
func NewTemplateGenerator(name string, priority int, crossRealm bool, store *TemplateStore, logger *zap.Logger) *TemplateGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemplateGenerator{name: name, priority: priority, crossRealm: crossRealm, store: store, logger: logger}
}

func (g *TemplateGenerator) Name() string           { return g.name }
func (g *TemplateGenerator) ExclusivePriority() int { return g.priority }

// Store returns the backing template cache.
func (g *TemplateGenerator) Store() *TemplateStore { return g.store }

// GenerateLoot builds the candidate list for mob. A nil killer yields an empty list.
func (g *TemplateGenerator) GenerateLoot(mob Mob, killer world.GameObject) (*LootList, error) {
	list := NewLootList(1)
	if killer == nil {
		return list, nil
	}
	realm := KillerRealm(killer)

	var links []MobLink
	if t, ok := mob.(templated); ok && t.TemplateID() != "" {
		links = g.store.Links(t.TemplateID())
	}
	if len(links) == 0 {
		links = g.store.Links(mob.Name())
	}

	if len(links) == 0 {
		for _, it := range g.store.Items(mob.Name()) {
			if !g.usable(it, realm) {
				continue
			}
			if it.Chance == 100 {
				list.AddFixed(it.ItemID, it.Count)
			} else if err := list.AddRandom(it.Chance, it.ItemID, 1); err != nil {
				return nil, err
			}
		}
		return list, nil
	}

	for _, link := range links {
		for _, it := range g.store.Items(link.Template) {
			if !g.usable(it, realm) {
				continue
			}
			if it.Chance == 100 {
				count := it.Count
				if count <= 0 {
					count = link.DropCount
				}
				list.AddFixed(it.ItemID, count)
				continue
			}
			if err := list.AddRandom(it.Chance, it.ItemID, 1); err != nil {
				return nil, err
			}
			list.DropCount = max(list.DropCount, link.DropCount)
		}
	}
	return list, nil
}

func (g *TemplateGenerator) usable(it TemplateItem, realm int) bool {
	return it.Realm == 0 || it.Realm == realm || g.crossRealm
}

// Refresh reloads the whole store; a failure keeps the previous cache.
func (g *TemplateGenerator) Refresh(mob Mob) {
	if err := g.store.Reload(context.Background()); err != nil {
		g.logger.Warn("refreshing loot templates",
			zap.String("generator", g.name),
			zap.String("mob", mob.Name()),
			zap.Error(err),
		)
	}
}
