package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// registerModules installs the engine table into L:
//
//	engine.roll(expr) -> total   rolls a dice expression
//	engine.log(msg)              logs msg at info level
func (m *Manager) registerModules(L *lua.LState, set string) {
	engine := L.NewTable()
	engine.RawSetString("roll", L.NewFunction(func(L *lua.LState) int {
		expr := L.CheckString(1)
		res, err := m.roller.RollExpr(expr)
		if err != nil {
			L.RaiseError("engine.roll: %s", err.Error())
			return 0
		}
		L.Push(lua.LNumber(res.Total()))
		return 1
	}))
	engine.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		m.logger.Info("script log",
			zap.String("script_set", set),
			zap.String("message", L.CheckString(1)),
		)
		return 0
	}))
	L.SetGlobal("engine", engine)
}
