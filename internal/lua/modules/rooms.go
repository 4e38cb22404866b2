package modules

import (
	"sort"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/scene"
)

// RoomsModule selects room scenes from Lua.
//
// set_scene() and apply() return (ok, error_string); they are runtime
// operations driven by user input.
type RoomsModule struct {
	rooms map[string]*scene.Room
}

// NewRoomsModule creates a new rooms module
func NewRoomsModule(rooms []*scene.Room) *RoomsModule {
	m := &RoomsModule{rooms: make(map[string]*scene.Room, len(rooms))}
	for _, r := range rooms {
		m.rooms[r.Name()] = r
	}
	return m
}

// Loader is the module loader for Lua
func (m *RoomsModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "list", L.NewFunction(m.list))
	L.SetField(mod, "scenes", L.NewFunction(m.scenes))
	L.SetField(mod, "scene", L.NewFunction(m.scene))
	L.SetField(mod, "set_scene", L.NewFunction(m.setScene))
	L.SetField(mod, "apply", L.NewFunction(m.apply))
	L.SetField(mod, "should_circadian", L.NewFunction(m.shouldCircadian))
	L.SetField(mod, "scene_id", L.NewFunction(m.sceneID))

	L.Push(mod)
	return 1
}

// list() -> {room, ...}
func (m *RoomsModule) list(L *lua.LState) int {
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	L.Push(GoToLuaValue(L, names))
	return 1
}

// scenes(room) -> {scene, ...} | nil
func (m *RoomsModule) scenes(L *lua.LState) int {
	room, ok := m.rooms[L.CheckString(1)]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(GoToLuaValue(L, room.Scenes()))
	return 1
}

// scene(room) -> current scene | nil
func (m *RoomsModule) scene(L *lua.LState) int {
	room, ok := m.rooms[L.CheckString(1)]
	if !ok || room.Scene() == "" {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(room.Scene()))
	return 1
}

// set_scene(room, scene) -> (ok, err)
func (m *RoomsModule) setScene(L *lua.LState) int {
	name := L.CheckString(1)
	sceneName := L.CheckString(2)

	room, ok := m.rooms[name]
	if !ok {
		return pushFailure(L, "unknown room: "+name)
	}
	if err := room.SetScene(luaContext(L), sceneName); err != nil {
		log.Error().Err(err).Str("room", name).Str("scene", sceneName).Msg("Failed to set scene")
		return pushFailure(L, err.Error())
	}
	return pushSuccess(L)
}

// apply(room) -> (ok, err) re-applies the current scene in full
func (m *RoomsModule) apply(L *lua.LState) int {
	name := L.CheckString(1)

	room, ok := m.rooms[name]
	if !ok {
		return pushFailure(L, "unknown room: "+name)
	}
	current := room.Scene()
	if current == "" {
		return pushFailure(L, "no scene selected")
	}
	if err := room.Apply(luaContext(L), current); err != nil {
		log.Error().Err(err).Str("room", name).Msg("Failed to apply scene")
		return pushFailure(L, err.Error())
	}
	return pushSuccess(L)
}

// scene_id(room, scene) -> "scene.<room>_<scene>" | nil
func (m *RoomsModule) sceneID(L *lua.LState) int {
	room, ok := m.rooms[L.CheckString(1)]
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(room.SceneID(L.CheckString(2))))
	return 1
}

// should_circadian(room, entity, target?) -> bool
func (m *RoomsModule) shouldCircadian(L *lua.LState) int {
	room, ok := m.rooms[L.CheckString(1)]
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(room.ShouldCircadian(L.CheckString(2), L.OptString(3, ""))))
	return 1
}

func pushSuccess(L *lua.LState) int {
	L.Push(lua.LTrue)
	L.Push(lua.LNil)
	return 2
}

func pushFailure(L *lua.LState, msg string) int {
	L.Push(lua.LFalse)
	L.Push(lua.LString(msg))
	return 2
}
