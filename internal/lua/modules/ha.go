package modules

import (
	"context"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/hass"
	"github.com/dokzlo13/duskd/internal/lua/exec"
)

// Platform is the Home Assistant surface scripts can reach
type Platform interface {
	Entity(id string) (*hass.Entity, bool)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	Connected() bool
	Subscribe(eventType string, h hass.Handler) func()
}

// HAModule gives scripts direct access to entities, services and events
type HAModule struct {
	exe      exec.Executor
	platform Platform

	regs handles
}

// NewHAModule creates a new ha module
func NewHAModule(exe exec.Executor, platform Platform) *HAModule {
	return &HAModule{exe: exe, platform: platform}
}

// Loader is the module loader for Lua
func (m *HAModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "state", L.NewFunction(m.state))
	L.SetField(mod, "call", L.NewFunction(m.call))
	L.SetField(mod, "connected", L.NewFunction(m.connected))
	L.SetField(mod, "on", L.NewFunction(m.on))
	L.SetField(mod, "off", L.NewFunction(m.off))

	L.Push(mod)
	return 1
}

// Close releases every subscription made from Lua
func (m *HAModule) Close() {
	m.regs.Close()
}

// state(entity_id) -> {entity_id, state, attributes} | nil
func (m *HAModule) state(L *lua.LState) int {
	entity, ok := m.platform.Entity(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(MapToLuaTable(L, map[string]any{
		"entity_id":  entity.EntityID,
		"state":      entity.State,
		"attributes": entity.Attributes,
	}))
	return 1
}

// call(domain, service, data) -> (ok, err)
func (m *HAModule) call(L *lua.LState) int {
	domain := L.CheckString(1)
	service := L.CheckString(2)
	data := map[string]any{}
	if tbl := L.OptTable(3, nil); tbl != nil {
		data = LuaTableToMap(tbl)
	}

	if err := m.platform.CallService(luaContext(L), domain, service, data); err != nil {
		log.Error().Err(err).Str("service", domain+"."+service).Msg("Service call from Lua failed")
		return pushFailure(L, err.Error())
	}
	return pushSuccess(L)
}

// connected() -> bool
func (m *HAModule) connected(L *lua.LState) int {
	L.Push(lua.LBool(m.platform.Connected()))
	return 1
}

// on(event_type, fn) -> id; fn receives the event data table
func (m *HAModule) on(L *lua.LState) int {
	eventType := L.CheckString(1)
	fn := L.CheckFunction(2)
	ctx := luaContext(L)

	unsubscribe := m.platform.Subscribe(eventType, func(e hass.Event) {
		ok := m.exe.Do(ctx, func(context.Context) {
			L := m.exe.LState()
			data := MapToLuaTable(L, e.Data)
			L.SetField(data, "event_type", lua.LString(e.EventType))
			if _, err := exec.Call(L, fn, 0, data); err != nil {
				log.Error().Err(err).Str("event_type", eventType).Msg("Event callback failed")
			}
		})
		if !ok {
			log.Warn().Str("event_type", eventType).Msg("Event callback dropped")
		}
	})

	L.Push(lua.LString(m.regs.add(unsubscribe)))
	return 1
}

// off(id) -> bool
func (m *HAModule) off(L *lua.LState) int {
	L.Push(lua.LBool(m.regs.remove(L.CheckString(1))))
	return 1
}
