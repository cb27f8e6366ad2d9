package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/game/dice"
)

// ErrNoScriptSet is returned by Call for a set that was never loaded.
var ErrNoScriptSet = errors.New("scripting: no such script set")

// vm is one loaded script set. An LState is single-threaded; mu serialises calls.
type vm struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

func (v *vm) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	v.L.Close()
}

// Manager owns one sandboxed VM per named script set.
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	sets   map[string]*vm
	limit  int
	roller *dice.Roller
	logger *zap.Logger
}

// NewManager creates a Manager whose calls run under an opcode budget of limit
// (0 uses DefaultInstructionLimit).
//
// Precondition: roller must be non-nil.
// Postcondition: Returns a non-nil Manager with no script sets.
func NewManager(roller *dice.Roller, limit int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{sets: make(map[string]*vm), limit: limit, roller: roller, logger: logger}
}

// LoadDir loads every *.lua file in dir, in lexical order, as script set name.
// An existing set of the same name is replaced only when loading succeeds.
//
// Precondition: name must be non-empty.
func (m *Manager) LoadDir(name, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q for %q: %w", dir, name, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return m.load(name, func(L *lua.LState) error {
		for _, path := range files {
			if err := L.DoFile(path); err != nil {
				return fmt.Errorf("loading %q: %w", path, err)
			}
		}
		return nil
	})
}

// LoadString loads src as script set name.
func (m *Manager) LoadString(name, src string) error {
	return m.load(name, func(L *lua.LState) error { return L.DoString(src) })
}

func (m *Manager) load(name string, run func(*lua.LState) error) error {
	if name == "" {
		return fmt.Errorf("scripting: script set name must not be empty")
	}
	L := NewSandboxedState()
	m.registerModules(L, name)
	if err := runLimited(context.Background(), L, m.limit, func() error { return run(L) }); err != nil {
		L.Close()
		return fmt.Errorf("scripting: script set %q: %w", name, err)
	}

	m.mu.Lock()
	old := m.sets[name]
	m.sets[name] = &vm{L: L}
	m.mu.Unlock()
	if old != nil {
		old.close()
	}
	m.logger.Debug("script set loaded", zap.String("script_set", name))
	return nil
}

// Has reports whether set name defines global function fn.
func (m *Manager) Has(name, fn string) bool {
	v := m.acquire(name)
	if v == nil {
		return false
	}
	defer v.mu.Unlock()
	return v.L.GetGlobal(fn).Type() == lua.LTFunction
}

// Call invokes global function fn of set name with arg and returns its first
// result converted to Go.
//
// Postcondition: Returns ErrNoScriptSet for an unknown set, an error when fn is
// not a function, when arg cannot be converted, on a Lua runtime error, or when
// the opcode budget or ctx runs out.
func (m *Manager) Call(ctx context.Context, name, fn string, arg any) (any, error) {
	v := m.acquire(name)
	if v == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoScriptSet, name)
	}
	defer v.mu.Unlock()

	f := v.L.GetGlobal(fn)
	if f.Type() != lua.LTFunction {
		return nil, fmt.Errorf("scripting: %s.%s is not a function", name, fn)
	}
	larg, err := toLua(v.L, arg)
	if err != nil {
		return nil, fmt.Errorf("scripting: %s.%s argument: %w", name, fn, err)
	}

	var ret lua.LValue = lua.LNil
	err = runLimited(ctx, v.L, m.limit, func() error {
		if err := v.L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, larg); err != nil {
			return err
		}
		ret = v.L.Get(-1)
		v.L.Pop(1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scripting: %s.%s: %w", name, fn, err)
	}
	return fromLua(ret), nil
}

func (m *Manager) get(name string) *vm {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets[name]
}

// acquire returns the current VM of set name with its lock held, or nil. A VM
// closed by a concurrent reload or Close is skipped for its replacement.
func (m *Manager) acquire(name string) *vm {
	for {
		v := m.get(name)
		if v == nil {
			return nil
		}
		v.mu.Lock()
		if !v.closed {
			return v
		}
		v.mu.Unlock()
	}
}

// Close releases every VM.
func (m *Manager) Close() {
	m.mu.Lock()
	sets := m.sets
	m.sets = make(map[string]*vm)
	m.mu.Unlock()
	for _, v := range sets {
		v.close()
	}
}
