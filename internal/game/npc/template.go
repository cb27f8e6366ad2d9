// Package npc provides NPC template definitions, live instances, brains and respawns.
package npc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Brain kinds a template may request.
const (
	BrainNone     = "none"
	BrainStandard = "standard"
)

// Default timings used when a template leaves them empty.
const (
	DefaultThinkInterval = 1500 * time.Millisecond
	DefaultMoveInterval  = 2000 * time.Millisecond
)

// Waypoint is one point of a patrol path.
type Waypoint struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// Template defines a reusable NPC archetype loaded from YAML.
type Template struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Guild       string `yaml:"guild"`
	Faction     string `yaml:"faction"`
	Realm       int    `yaml:"realm"`
	Level       int    `yaml:"level"`
	MaxHP       int    `yaml:"max_hp"`
	// Region is the id of the region instances spawn in.
	Region uint16 `yaml:"region"`
	// Brain is "standard" or "none"; empty means standard.
	Brain         string     `yaml:"brain"`
	ThinkInterval string     `yaml:"think_interval"`
	Path          []Waypoint `yaml:"path"`
	MoveInterval  string     `yaml:"move_interval"`
	// Count is how many instances the region keeps alive; 0 means 1.
	Count int `yaml:"count"`
	// RespawnDelay is the duration string (e.g. "5m", "30s") before a dead NPC
	// of this template respawns. Empty means the NPC does not respawn.
	RespawnDelay string `yaml:"respawn_delay"`
}

// Validate checks that the template satisfies basic invariants.
//
// Precondition: t must not be nil.
// Postcondition: Returns nil iff ID and Name are non-empty, Level >= 1, MaxHP >= 1,
// Region > 0, Realm is in [0, 3], Brain is known and every duration parses to a
// positive value; returns an error on the first violation otherwise.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("npc template: id must not be empty")
	}
	if t.Name == "" {
		return fmt.Errorf("npc template %q: name must not be empty", t.ID)
	}
	if t.Level < 1 {
		return fmt.Errorf("npc template %q: level must be >= 1", t.ID)
	}
	if t.MaxHP < 1 {
		return fmt.Errorf("npc template %q: max_hp must be >= 1", t.ID)
	}
	if t.Region == 0 {
		return fmt.Errorf("npc template %q: region must be > 0", t.ID)
	}
	if t.Count < 0 {
		return fmt.Errorf("npc template %q: count must be >= 0", t.ID)
	}
	if t.Realm < 0 || t.Realm > 3 {
		return fmt.Errorf("npc template %q: realm must be in [0, 3], got %d", t.ID, t.Realm)
	}
	switch t.Brain {
	case "", BrainNone, BrainStandard:
	default:
		return fmt.Errorf("npc template %q: unknown brain %q", t.ID, t.Brain)
	}
	for field, value := range map[string]string{
		"think_interval": t.ThinkInterval,
		"move_interval":  t.MoveInterval,
		"respawn_delay":  t.RespawnDelay,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("npc template %q: %s %q is not a valid duration: %w", t.ID, field, value, err)
		}
		if d < time.Millisecond {
			return fmt.Errorf("npc template %q: %s must be >= 1ms", t.ID, field)
		}
	}
	return nil
}

// HasBrain reports whether instances get an autonomous brain.
func (t *Template) HasBrain() bool { return t.Brain != BrainNone }

// ThinkEvery returns the brain period.
//
// Precondition: t must have passed Validate.
func (t *Template) ThinkEvery() time.Duration {
	return parseOr(t.ThinkInterval, DefaultThinkInterval)
}

// MoveEvery returns the time between waypoints.
//
// Precondition: t must have passed Validate.
func (t *Template) MoveEvery() time.Duration {
	return parseOr(t.MoveInterval, DefaultMoveInterval)
}

// Respawn returns the respawn delay, or 0 when the template does not respawn.
//
// Precondition: t must have passed Validate.
func (t *Template) Respawn() time.Duration {
	return parseOr(t.RespawnDelay, 0)
}

func parseOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// LoadTemplateFromBytes parses a single NPC template from raw YAML bytes.
//
// Precondition: data must be valid YAML for a single Template.
// Postcondition: Returns a validated *Template, or an error.
func LoadTemplateFromBytes(data []byte) (*Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parsing template YAML: %w", err)
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// LoadTemplates reads all *.yaml files in dir and returns the parsed templates.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns all templates or an error on the first parse or validate
// failure, or on a duplicate id; on error, the partial result is discarded.
func LoadTemplates(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading npc dir %q: %w", dir, err)
	}

	seen := make(map[string]string)
	var templates []*Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", path, err)
		}

		tmpl, err := LoadTemplateFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("loading %q: %w", path, err)
		}
		if prev, dup := seen[tmpl.ID]; dup {
			return nil, fmt.Errorf("loading %q: template id %q already defined in %q", path, tmpl.ID, prev)
		}
		seen[tmpl.ID] = path
		templates = append(templates, tmpl)
	}
	return templates, nil
}
