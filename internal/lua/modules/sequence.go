package modules

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/hass"
	"github.com/dokzlo13/duskd/internal/lua/exec"
	"github.com/dokzlo13/duskd/internal/sequence"
)

// SequenceModule registers event sequences from Lua
type SequenceModule struct {
	exe     exec.Executor
	matcher *sequence.Matcher

	regs handles
}

// NewSequenceModule creates a new sequence module
func NewSequenceModule(exe exec.Executor, matcher *sequence.Matcher) *SequenceModule {
	return &SequenceModule{exe: exe, matcher: matcher}
}

// Loader is the module loader for Lua
func (m *SequenceModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "watch", L.NewFunction(m.watch))
	L.SetField(mod, "unwatch", L.NewFunction(m.unwatch))

	L.Push(mod)
	return 1
}

// Close removes every watch registered from Lua
func (m *SequenceModule) Close() {
	m.regs.Close()
}

// watch(opts) -> id
//
//	opts: {
//	  event_type = "state_changed",
//	  path = "new_state.state",
//	  match = {"on", "off", "on"},
//	  filter = { entity_id = "switch.hall" },  -- dotted paths, string compare
//	  timeout = 1500,                           -- milliseconds between events
//	  label = "hall",
//	  reset = {"hall"},                         -- labels cleared on match
//	  fn = function() ... end,
//	}
func (m *SequenceModule) watch(L *lua.LState) int {
	opts := L.CheckTable(1)

	fn, ok := opts.RawGetString("fn").(*lua.LFunction)
	if !ok {
		L.ArgError(1, "fn must be a function")
		return 0
	}

	spec := sequence.Watch{
		EventType: hass.EventStateChanged,
		Path:      lua.LVAsString(opts.RawGetString("path")),
		Match:     StringList(opts.RawGetString("match")),
		Label:     lua.LVAsString(opts.RawGetString("label")),
		Reset:     sequence.Reset{Labels: StringList(opts.RawGetString("reset"))},
	}
	if et, ok := opts.RawGetString("event_type").(lua.LString); ok {
		spec.EventType = string(et)
	}
	if ms, ok := opts.RawGetString("timeout").(lua.LNumber); ok {
		spec.Timeout = time.Duration(float64(ms) * float64(time.Millisecond))
	}
	if filter, ok := opts.RawGetString("filter").(*lua.LTable); ok {
		spec.Filter = fieldFilter(filter)
	}

	ctx := luaContext(L)
	label := spec.Label
	spec.Exec = func() {
		ok := m.exe.Do(ctx, func(context.Context) {
			if _, err := exec.Call(m.exe.LState(), fn, 0); err != nil {
				log.Error().Err(err).Str("label", label).Msg("Sequence callback failed")
			}
		})
		if !ok {
			log.Warn().Str("label", label).Msg("Sequence callback dropped")
		}
	}

	unwatch, err := m.matcher.Watch(spec)
	if err != nil {
		L.RaiseError("sequence.watch: %s", err.Error())
		return 0
	}

	L.Push(lua.LString(m.regs.add(unwatch)))
	return 1
}

// unwatch(id) -> bool
func (m *SequenceModule) unwatch(L *lua.LState) int {
	L.Push(lua.LBool(m.regs.remove(L.CheckString(1))))
	return 1
}

// fieldFilter accepts events whose projected fields equal every entry.
// Converted once so the filter never touches the Lua state.
func fieldFilter(tbl *lua.LTable) func(hass.Event) bool {
	want := make(map[string]string)
	tbl.ForEach(func(k, v lua.LValue) {
		want[lua.LVAsString(k)] = lua.LVAsString(v)
	})
	return func(e hass.Event) bool {
		for path, value := range want {
			got, ok := sequence.Project(e.Data, path)
			if !ok || got != value {
				return false
			}
		}
		return true
	}
}
