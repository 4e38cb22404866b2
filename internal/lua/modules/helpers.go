package modules

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"
)

// LuaToGo converts a Lua value to a Go value
func LuaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		// An array has exactly the integer keys 1..n
		n := 0
		val.ForEach(func(_, _ lua.LValue) { n++ })
		isArray := n > 0
		val.ForEach(func(k, _ lua.LValue) {
			num, ok := k.(lua.LNumber)
			if !ok || float64(num) != math.Trunc(float64(num)) || num < 1 || float64(num) > float64(n) {
				isArray = false
			}
		})

		if isArray {
			arr := make([]any, n)
			val.ForEach(func(k, v lua.LValue) {
				arr[int(k.(lua.LNumber))-1] = LuaToGo(v)
			})
			return arr
		}

		obj := make(map[string]any)
		val.ForEach(func(k, v lua.LValue) {
			obj[lua.LVAsString(k)] = LuaToGo(v)
		})
		return obj
	case *lua.LNilType:
		return nil
	default:
		return v.String()
	}
}

// GoToLuaValue converts a Go value to a Lua value
func GoToLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case time.Time:
		return lua.LNumber(val.Unix())
	case []string:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, GoToLuaValue(L, item))
		}
		return tbl
	case map[string]any:
		return MapToLuaTable(L, val)
	default:
		return lua.LString(fmt.Sprintf("%v", v))
	}
}

// MapToLuaTable converts a Go map to a Lua table
func MapToLuaTable(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		L.SetField(tbl, k, GoToLuaValue(L, v))
	}
	return tbl
}

// LuaTableToMap converts a Lua table to a Go map
func LuaTableToMap(tbl *lua.LTable) map[string]any {
	m := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			m[string(ks)] = LuaToGo(v)
		}
	})
	return m
}

// StringList reads the array part of a table as strings. A single string
// is accepted as a one-element list.
func StringList(v lua.LValue) []string {
	switch val := v.(type) {
	case lua.LString:
		return []string{string(val)}
	case *lua.LTable:
		out := make([]string, 0, val.Len())
		for i := 1; i <= val.Len(); i++ {
			out = append(out, lua.LVAsString(val.RawGetInt(i)))
		}
		return out
	}
	return nil
}

// luaContext returns the context of the running work, or Background while
// no context is attached
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// handles tracks cancel functions of registrations created from Lua
type handles struct {
	mu sync.Mutex
	m  map[string]func()
}

func (h *handles) add(cancel func()) string {
	id := uuid.NewString()
	h.put(id, cancel)
	return id
}

func (h *handles) put(id string, cancel func()) {
	h.mu.Lock()
	if h.m == nil {
		h.m = make(map[string]func())
	}
	h.m[id] = cancel
	h.mu.Unlock()
}

func (h *handles) remove(id string) bool {
	h.mu.Lock()
	cancel, ok := h.m[id]
	delete(h.m, id)
	h.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (h *handles) has(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.m[id]
	return ok
}

// Close cancels every registration
func (h *handles) Close() {
	h.mu.Lock()
	all := h.m
	h.m = nil
	h.mu.Unlock()
	for _, cancel := range all {
		cancel()
	}
}
