package loot

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// TemplateItem is one line of a loot template. Chance 100 means the item
// always drops, Count times; any lower chance is a weighted random entry.
type TemplateItem struct {
	ItemID string `yaml:"item" toml:"item"`
	Chance int    `yaml:"chance" toml:"chance"`
	Count  int    `yaml:"count" toml:"count"`
	// Realm restricts the item to killers of that realm; 0 drops for anyone.
	Realm int `yaml:"realm" toml:"realm"`
}

// LootTemplate is a named set of items, usually named after the mob.
type LootTemplate struct {
	Name  string         `yaml:"name" toml:"name"`
	Items []TemplateItem `yaml:"items" toml:"items"`
}

// MobLink ties a mob (by name or NPC template id) to a loot template and caps
// how many random items that template contributes.
type MobLink struct {
	Mob       string `yaml:"mob" toml:"mob"`
	Template  string `yaml:"template" toml:"template"`
	DropCount int    `yaml:"drop_count" toml:"drop_count"`
}

// TemplateSet is a full snapshot of loot templates and mob links.
type TemplateSet struct {
	Templates []LootTemplate `yaml:"templates" toml:"templates"`
	Links     []MobLink      `yaml:"links" toml:"links"`
}

// LoadLootTemplates lets a fixed TemplateSet act as a TemplateSource.
func (s TemplateSet) LoadLootTemplates(context.Context) (TemplateSet, error) { return s, nil }

// Validate checks every template and link.
//
// Postcondition: Returns nil iff names are non-empty, chances are in [1, 100],
// realms in [0, 3] and drop counts >= 0.
func (s TemplateSet) Validate() error {
	for _, t := range s.Templates {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("loot template: name must not be empty")
		}
		for _, it := range t.Items {
			if it.ItemID == "" {
				return fmt.Errorf("loot template %q: item must not be empty", t.Name)
			}
			if it.Chance < 1 || it.Chance > 100 {
				return fmt.Errorf("loot template %q: item %q chance %d outside [1, 100]", t.Name, it.ItemID, it.Chance)
			}
			if it.Realm < 0 || it.Realm > 3 {
				return fmt.Errorf("loot template %q: item %q realm %d outside [0, 3]", t.Name, it.ItemID, it.Realm)
			}
			if it.Count < 0 {
				return fmt.Errorf("loot template %q: item %q count must be >= 0", t.Name, it.ItemID)
			}
		}
	}
	for _, l := range s.Links {
		if strings.TrimSpace(l.Mob) == "" || strings.TrimSpace(l.Template) == "" {
			return fmt.Errorf("loot link %q -> %q: mob and template must not be empty", l.Mob, l.Template)
		}
		if l.DropCount < 0 {
			return fmt.Errorf("loot link %q -> %q: drop_count must be >= 0", l.Mob, l.Template)
		}
	}
	return nil
}

// TemplateSource loads loot templates from content files or a database.
type TemplateSource interface {
	LoadLootTemplates(ctx context.Context) (TemplateSet, error)
}

// TemplateStore caches a TemplateSource, keyed case-insensitively.
// It is safe for concurrent use.
type TemplateStore struct {
	source TemplateSource

	mu        sync.RWMutex
	templates map[string]map[string]TemplateItem // template → item → line
	order     map[string][]string                // template → item ids in load order
	links     map[string][]MobLink
}

// NewTemplateStore creates an empty store over source. Call Reload to fill it.
//
// Precondition: source must be non-nil.
func NewTemplateStore(source TemplateSource) *TemplateStore {
	return &TemplateStore{
		source:    source,
		templates: make(map[string]map[string]TemplateItem),
		order:     make(map[string][]string),
		links:     make(map[string][]MobLink),
	}
}

// Reload replaces the cache with a fresh snapshot from the source. On error the
// previous cache is kept.
func (s *TemplateStore) Reload(ctx context.Context) error {
	set, err := s.source.LoadLootTemplates(ctx)
	if err != nil {
		return fmt.Errorf("loading loot templates: %w", err)
	}
	if err := set.Validate(); err != nil {
		return err
	}

	templates := make(map[string]map[string]TemplateItem)
	order := make(map[string][]string)
	for _, t := range set.Templates {
		name := strings.ToLower(t.Name)
		items := templates[name]
		if items == nil {
			items = make(map[string]TemplateItem)
			templates[name] = items
		}
		for _, it := range t.Items {
			id := strings.ToLower(it.ItemID)
			// First definition of an item within a template wins.
			if _, dup := items[id]; dup {
				continue
			}
			items[id] = it
			order[name] = append(order[name], id)
		}
	}
	links := make(map[string][]MobLink)
	for _, l := range set.Links {
		mob := strings.ToLower(l.Mob)
		links[mob] = append(links[mob], l)
	}

	s.mu.Lock()
	s.templates, s.order, s.links = templates, order, links
	s.mu.Unlock()
	return nil
}

// Items returns the lines of template name in load order, or nil.
func (s *TemplateStore) Items(name string) []TemplateItem {
	name = strings.ToLower(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[name]
	if len(ids) == 0 {
		return nil
	}
	out := make([]TemplateItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.templates[name][id])
	}
	return out
}

// Links returns the mob links registered under key (a mob name or NPC template id).
func (s *TemplateStore) Links(key string) []MobLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MobLink(nil), s.links[strings.ToLower(key)]...)
}

// TemplateCount returns the number of cached templates.
func (s *TemplateStore) TemplateCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.templates)
}
