package modules

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/clock"
)

// ClockModule exposes wall-clock helpers to Lua. Invalid time references
// raise an argument error.
type ClockModule struct {
	clock *clock.Clock
}

// NewClockModule creates a new clock module
func NewClockModule(c *clock.Clock) *ClockModule {
	return &ClockModule{clock: c}
}

// Loader is the module loader for Lua
func (m *ClockModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "now", L.NewFunction(m.now))
	L.SetField(mod, "short_time", L.NewFunction(m.shortTime))
	L.SetField(mod, "ref_time", L.NewFunction(m.refTime))
	L.SetField(mod, "is_after", L.NewFunction(m.isAfter))
	L.SetField(mod, "is_before", L.NewFunction(m.isBefore))
	L.SetField(mod, "is_between", L.NewFunction(m.isBetween))

	L.Push(mod)
	return 1
}

// now() -> unix timestamp
func (m *ClockModule) now(L *lua.LState) int {
	L.Push(lua.LNumber(m.clock.Now().Unix()))
	return 1
}

// short_time("PM8:30") -> unix timestamp
func (m *ClockModule) shortTime(L *lua.LState) int {
	t, err := m.clock.ShortTime(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	L.Push(lua.LNumber(t.Unix()))
	return 1
}

// ref_time("20:30") -> unix timestamp
func (m *ClockModule) refTime(L *lua.LState) int {
	t, err := m.clock.RefTime(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	L.Push(lua.LNumber(t.Unix()))
	return 1
}

// is_after(ref) -> bool
func (m *ClockModule) isAfter(L *lua.LState) int {
	ok, err := m.clock.IsAfter(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

// is_before(ref) -> bool
func (m *ClockModule) isBefore(L *lua.LState) int {
	ok, err := m.clock.IsBefore(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}

// is_between(start, end) -> bool
func (m *ClockModule) isBetween(L *lua.LState) int {
	ok, err := m.clock.IsBetween(L.CheckString(1), L.CheckString(2))
	if err != nil {
		L.RaiseError("clock.is_between: %s", err.Error())
		return 0
	}
	L.Push(lua.LBool(ok))
	return 1
}
