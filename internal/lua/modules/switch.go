package modules

import (
	"context"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/lua/exec"
	"github.com/dokzlo13/duskd/internal/scene"
)

// SwitchModule registers managed switches from Lua
type SwitchModule struct {
	exe      exec.Executor
	platform Platform
	cron     scene.Cron
	pub      eventbus.Publisher

	regs handles
}

// NewSwitchModule creates a new switch module
func NewSwitchModule(exe exec.Executor, platform Platform, cron scene.Cron, pub eventbus.Publisher) *SwitchModule {
	return &SwitchModule{exe: exe, platform: platform, cron: cron, pub: pub}
}

// Loader is the module loader for Lua
func (m *SwitchModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "managed", L.NewFunction(m.managed))
	L.SetField(mod, "remove", L.NewFunction(m.remove))

	L.Push(mod)
	return 1
}

// Close removes every managed switch registered from Lua
func (m *SwitchModule) Close() {
	m.regs.Close()
}

// managed(opts) -> id
//
//	opts: {
//	  name = "fan",
//	  entities = {"switch.fan"},
//	  schedule = "0 */10 * * * *",  -- six fields, seconds first
//	  on_update = {"sensor.humidity"},
//	  should_be_on = function() return true|false|nil end,
//	}
//
// should_be_on returning nil leaves the switches alone.
func (m *SwitchModule) managed(L *lua.LState) int {
	opts := L.CheckTable(1)

	fn, ok := opts.RawGetString("should_be_on").(*lua.LFunction)
	if !ok {
		L.ArgError(1, "should_be_on must be a function")
		return 0
	}

	name := lua.LVAsString(opts.RawGetString("name"))
	ms, err := scene.NewManagedSwitch(luaContext(L), m.platform, m.platform, m.cron, m.pub, scene.ManagedSwitchOptions{
		Name:       name,
		EntityIDs:  StringList(opts.RawGetString("entities")),
		Schedule:   lua.LVAsString(opts.RawGetString("schedule")),
		OnUpdate:   StringList(opts.RawGetString("on_update")),
		ShouldBeOn: m.predicate(name, fn),
	})
	if err != nil {
		L.RaiseError("switch.managed: %s", err.Error())
		return 0
	}

	L.Push(lua.LString(m.regs.add(ms.Close)))
	return 1
}

// remove(id) -> bool
func (m *SwitchModule) remove(L *lua.LState) int {
	L.Push(lua.LBool(m.regs.remove(L.CheckString(1))))
	return 1
}

// predicate runs fn on the Lua worker. Checks run on scheduler and event
// goroutines, never on the worker.
func (m *SwitchModule) predicate(name string, fn *lua.LFunction) func() (bool, bool) {
	return func() (bool, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()

		var on, ok bool
		err := m.exe.DoSyncWithResult(ctx, func(context.Context) error {
			res, err := exec.Call(m.exe.LState(), fn, 1)
			if err != nil {
				return err
			}
			if b, isBool := res[0].(lua.LBool); isBool {
				on, ok = bool(b), true
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("name", name).Msg("Managed switch predicate failed")
			return false, false
		}
		return on, ok
	}
}
