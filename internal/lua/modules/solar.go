package modules

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/circadian"
	"github.com/dokzlo13/duskd/internal/geo"
	"github.com/dokzlo13/duskd/internal/lua/exec"
	"github.com/dokzlo13/duskd/internal/solar"
)

// SolarModule exposes the reference table, solar triggers and the
// circadian curve to Lua.
//
// ERROR HANDLING CONVENTION:
//   - on_event(), at(): L.RaiseError() for unknown events and bad offsets
//   - queries return false/nil when the event does not occur today
type SolarModule struct {
	exe       exec.Executor
	table     *solar.ReferenceTable
	events    *solar.EventScheduler
	circadian *circadian.Circadian

	regs handles
}

// NewSolarModule creates a new solar module
func NewSolarModule(exe exec.Executor, table *solar.ReferenceTable, events *solar.EventScheduler, c *circadian.Circadian) *SolarModule {
	return &SolarModule{exe: exe, table: table, events: events, circadian: c}
}

// Loader is the module loader for Lua
func (m *SolarModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "on_event", L.NewFunction(m.onEvent))
	L.SetField(mod, "at", L.NewFunction(m.at))
	L.SetField(mod, "when", L.NewFunction(m.when))
	L.SetField(mod, "remove", L.NewFunction(m.remove))
	L.SetField(mod, "loaded", L.NewFunction(m.loaded))
	L.SetField(mod, "get", L.NewFunction(m.get))
	L.SetField(mod, "times", L.NewFunction(m.times))
	L.SetField(mod, "is_between", L.NewFunction(m.isBetween))
	L.SetField(mod, "is_before", L.NewFunction(m.isBefore))
	L.SetField(mod, "is_after", L.NewFunction(m.isAfter))
	L.SetField(mod, "kelvin", L.NewFunction(m.kelvin))
	L.SetField(mod, "circadian", L.NewFunction(m.circadianOffset))

	L.Push(mod)
	return 1
}

// Close removes every trigger registered from Lua
func (m *SolarModule) Close() {
	m.regs.Close()
}

// on_event(event, fn, opts) -> id
// opts: { offset = <offset>, label = "name", skip_past = bool }
func (m *SolarModule) onEvent(L *lua.LState) int {
	event := m.checkEvent(L, 1)
	fn := L.CheckFunction(2)
	opts := L.OptTable(3, L.NewTable())

	offset, err := ToOffset(m.exe, opts.RawGetString("offset"))
	if err != nil {
		L.RaiseError("solar.on_event: %s", err.Error())
		return 0
	}

	L.Push(lua.LString(m.register(L, solar.Trigger{Event: event, Offset: offset}, fn, opts)))
	return 1
}

// at(expr, fn, opts) -> id
// expr: "@sunset - 30m", "dawn", "noon + 1h"
func (m *SolarModule) at(L *lua.LState) int {
	expr, err := solar.ParseExpr(L.CheckString(1))
	if err != nil {
		L.RaiseError("solar.at: %s", err.Error())
		return 0
	}
	fn := L.CheckFunction(2)
	opts := L.OptTable(3, L.NewTable())

	t := solar.Trigger{Event: expr.Event, Offset: solar.Fixed(expr.Offset)}
	L.Push(lua.LString(m.register(L, t, fn, opts)))
	return 1
}

// when(expr) -> unix seconds | nil
func (m *SolarModule) when(L *lua.LState) int {
	expr, err := solar.ParseExpr(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	ts, ok := expr.Evaluate(m.table)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(GoToLuaValue(L, ts))
	return 1
}

func (m *SolarModule) register(L *lua.LState, t solar.Trigger, fn *lua.LFunction, opts *lua.LTable) string {
	t.Label = lua.LVAsString(opts.RawGetString("label"))
	t.SkipPast = lua.LVAsBool(opts.RawGetString("skip_past"))
	event := string(t.Event)

	id := uuid.NewString()
	t.Exec = func(ctx context.Context) {
		queued := m.exe.Do(ctx, func(context.Context) {
			if !m.regs.has(id) {
				return
			}
			if _, err := exec.Call(m.exe.LState(), fn, 0, lua.LString(event)); err != nil {
				log.Error().Err(err).Str("label", t.Label).Str("event", event).Msg("Solar trigger callback failed")
			}
		})
		if !queued {
			log.Warn().Str("label", t.Label).Str("event", event).Msg("Solar trigger callback dropped")
		}
	}

	reg, err := m.events.OnEvent(luaContext(L), t)
	if err != nil {
		L.RaiseError("solar trigger: %s", err.Error())
		return ""
	}
	m.regs.put(id, reg.Remove)
	return id
}

// remove(id) -> bool
func (m *SolarModule) remove(L *lua.LState) int {
	L.Push(lua.LBool(m.regs.remove(L.CheckString(1))))
	return 1
}

// loaded() -> bool
func (m *SolarModule) loaded(L *lua.LState) int {
	L.Push(lua.LBool(m.table.Loaded()))
	return 1
}

// get(event) -> unix timestamp | nil
func (m *SolarModule) get(L *lua.LState) int {
	ts, ok := m.table.Get(m.checkEvent(L, 1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(ts.Unix()))
	return 1
}

// times() -> {event = unix timestamp, ...} for events occurring today
func (m *SolarModule) times(L *lua.LState) int {
	snap := m.table.Snapshot()
	result := L.NewTable()
	for e, ts := range snap.Times {
		L.SetField(result, string(e), lua.LNumber(ts.Unix()))
	}
	L.Push(result)
	return 1
}

// is_between(a, b) -> bool
func (m *SolarModule) isBetween(L *lua.LState) int {
	a := m.checkEvent(L, 1)
	b := m.checkEvent(L, 2)
	L.Push(lua.LBool(m.table.IsBetween(a, b)))
	return 1
}

// is_before(event) -> bool
func (m *SolarModule) isBefore(L *lua.LState) int {
	L.Push(lua.LBool(m.table.IsBefore(m.checkEvent(L, 1))))
	return 1
}

// is_after(event) -> bool
func (m *SolarModule) isAfter(L *lua.LState) int {
	L.Push(lua.LBool(m.table.IsAfter(m.checkEvent(L, 1))))
	return 1
}

// kelvin() -> current circadian color temperature
func (m *SolarModule) kelvin(L *lua.LState) int {
	L.Push(lua.LNumber(m.circadian.Kelvin()))
	return 1
}

// circadian() -> position of now between dawn and dusk, 0..1
func (m *SolarModule) circadianOffset(L *lua.LState) int {
	L.Push(lua.LNumber(m.circadian.Offset()))
	return 1
}

func (m *SolarModule) checkEvent(L *lua.LState, n int) geo.Event {
	e, err := geo.ParseEvent(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return e
}
