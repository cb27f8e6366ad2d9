package loot

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/dice"
	"github.com/cory-johannsen/dolcore/internal/scripting"
)

// Generator kinds provided by DefaultFactories.
const (
	KindTemplate = "template"
	KindMoney    = "money"
	KindScript   = "script"
)

// Binding declares one generator and the key it is registered under.
// At most one of Mob, Guild, Faction and Region may be set; none means global.
type Binding struct {
	Kind     string            `yaml:"kind" toml:"kind"`
	Name     string            `yaml:"name" toml:"name"`
	Mob      string            `yaml:"mob" toml:"mob"`
	Guild    string            `yaml:"guild" toml:"guild"`
	Faction  string            `yaml:"faction" toml:"faction"`
	Region   uint16            `yaml:"region" toml:"region"`
	Priority int               `yaml:"exclusive_priority" toml:"exclusive_priority"`
	Params   map[string]string `yaml:"params" toml:"params"`
}

// Key returns the registration key of b.
//
// Postcondition: Returns an error when more than one selector is set.
func (b Binding) Key() (Key, error) {
	var keys []Key
	if b.Mob != "" {
		keys = append(keys, ByName(b.Mob))
	}
	if b.Guild != "" {
		keys = append(keys, ByGuild(b.Guild))
	}
	if b.Faction != "" {
		keys = append(keys, ByFaction(b.Faction))
	}
	if b.Region != 0 {
		keys = append(keys, ByRegion(b.Region))
	}
	switch len(keys) {
	case 0:
		return Global(), nil
	case 1:
		return keys[0], nil
	default:
		return Key{}, fmt.Errorf("loot binding %q: only one of mob, guild, faction and region may be set", b.Name)
	}
}

func (b Binding) displayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Kind
}

// Deps are the shared collaborators factories build generators from.
type Deps struct {
	Store      *TemplateStore
	Scripts    *scripting.Manager
	ScriptDir  string
	Roller     *dice.Roller
	CrossRealm bool
	Logger     *zap.Logger
}

// Factory builds a generator from a binding.
type Factory func(b Binding, deps Deps) (Generator, error)

// Factories maps generator kinds to their constructors.
// It is safe for concurrent use.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// NewFactories returns an empty factory table.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// DefaultFactories returns a table with the template, money and script kinds.
func DefaultFactories() *Factories {
	f := NewFactories()
	_ = f.Register(KindTemplate, newTemplateFromBinding)
	_ = f.Register(KindMoney, newMoneyFromBinding)
	_ = f.Register(KindScript, newScriptFromBinding)
	return f
}

// Register adds kind. Registering a kind twice is an error.
func (f *Factories) Register(kind string, factory Factory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("loot: factory kind and constructor must be set")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.m[kind]; dup {
		return fmt.Errorf("loot: factory kind %q already registered", kind)
	}
	f.m[kind] = factory
	return nil
}

// Kinds returns the registered kinds in sorted order.
func (f *Factories) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for k := range f.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build constructs the generator b describes.
//
// Postcondition: Returns an error wrapping ErrUnknownGenerator when b.Kind has no factory.
func (f *Factories) Build(b Binding, deps Deps) (Generator, error) {
	f.mu.RLock()
	factory, ok := f.m[b.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, b.Kind)
	}
	g, err := factory(b, deps)
	if err != nil {
		return nil, fmt.Errorf("building loot generator %q: %w", b.displayName(), err)
	}
	return g, nil
}

// Install builds every binding and registers it in reg.
//
// Postcondition: Returns the first build or registration error; bindings
// before it remain registered.
func Install(reg *Registry, f *Factories, bindings []Binding, deps Deps) error {
	for _, b := range bindings {
		key, err := b.Key()
		if err != nil {
			return err
		}
		g, err := f.Build(b, deps)
		if err != nil {
			return err
		}
		if err := reg.Register(g, key); err != nil {
			return err
		}
	}
	return nil
}

func newTemplateFromBinding(b Binding, deps Deps) (Generator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("no template store configured")
	}
	crossRealm := deps.CrossRealm
	if v, ok := b.Params["cross_realm"]; ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("cross_realm %q: %w", v, err)
		}
		crossRealm = parsed
	}
	return NewTemplateGenerator(b.displayName(), b.Priority, crossRealm, deps.Store, deps.Logger), nil
}

func newMoneyFromBinding(b Binding, deps Deps) (Generator, error) {
	if deps.Roller == nil {
		return nil, fmt.Errorf("no dice roller configured")
	}
	expr := b.Params["expression"]
	if expr == "" {
		return nil, fmt.Errorf("money generator needs an expression param")
	}
	return NewMoneyGenerator(b.displayName(), b.Priority, b.Params["item"], expr, deps.Roller)
}

func newScriptFromBinding(b Binding, deps Deps) (Generator, error) {
	if deps.Scripts == nil {
		return nil, fmt.Errorf("no script manager configured")
	}
	set := b.Params["set"]
	if set == "" {
		set = b.displayName()
	}
	dir := b.Params["dir"]
	if dir == "" && deps.ScriptDir != "" {
		dir = filepath.Join(deps.ScriptDir, set)
	}
	if !deps.Scripts.Has(set, ScriptFunction) {
		if dir == "" {
			return nil, fmt.Errorf("script set %q is not loaded and has no directory", set)
		}
		if err := deps.Scripts.LoadDir(set, dir); err != nil {
			return nil, err
		}
		if !deps.Scripts.Has(set, ScriptFunction) {
			return nil, fmt.Errorf("script set %q does not define %s", set, ScriptFunction)
		}
	}
	return NewScriptGenerator(b.displayName(), b.Priority, deps.Scripts, set, dir, deps.Logger), nil
}
