package modules

import (
	"context"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/lua/exec"
	"github.com/dokzlo13/duskd/internal/solar"
)

// callbackTimeout bounds synchronous calls into Lua from other goroutines
const callbackTimeout = 5 * time.Second

// ToOffset converts a Lua value into a solar offset:
//
//	number            milliseconds
//	"1H30M"           partial ISO-8601 duration
//	{-30, "minutes"}  quantity and unit
//	{hours = 1, ...}  sum of units
//	function          evaluated on every resolution
//
// nil is a zero offset. MUST be called from within Executor work.
func ToOffset(exe exec.Executor, v lua.LValue) (solar.Offset, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LNumber:
		return solar.Milliseconds(val), nil
	case lua.LString:
		return solar.ISOPartial(val), nil
	case *lua.LTable:
		return tableOffset(val)
	case *lua.LFunction:
		return dynamicOffset(exe, val), nil
	default:
		return nil, fmt.Errorf("%w: unsupported lua type %s", solar.ErrInvalidOffset, v.Type())
	}
}

func tableOffset(tbl *lua.LTable) (solar.Offset, error) {
	if q, ok := tbl.RawGetInt(1).(lua.LNumber); ok {
		name, ok := tbl.RawGetInt(2).(lua.LString)
		if !ok {
			return nil, fmt.Errorf("%w: tuple needs a unit name", solar.ErrInvalidOffset)
		}
		unit, err := solar.ParseUnit(string(name))
		if err != nil {
			return nil, err
		}
		return solar.UnitTuple{Quantity: float64(q), Unit: unit}, nil
	}

	units := solar.UnitMap{}
	var err error
	tbl.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		unit, uerr := solar.ParseUnit(lua.LVAsString(k))
		if uerr != nil {
			err = uerr
			return
		}
		q, ok := v.(lua.LNumber)
		if !ok {
			err = fmt.Errorf("%w: %s must be a number", solar.ErrInvalidOffset, unit)
			return
		}
		units[unit] += float64(q)
	})
	if err != nil {
		return nil, err
	}
	return units, nil
}

// dynamicOffset calls fn on the Lua worker each time the offset is resolved
func dynamicOffset(exe exec.Executor, fn *lua.LFunction) solar.Dynamic {
	return func() solar.Offset {
		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()

		var out solar.Offset
		err := exe.DoSyncWithResult(ctx, func(context.Context) error {
			res, err := exec.Call(exe.LState(), fn, 1)
			if err != nil {
				return err
			}
			out, err = ToOffset(exe, res[0])
			return err
		})
		if err != nil {
			return solar.Invalid{Err: err}
		}
		if out == nil {
			return solar.Fixed(0)
		}
		return out
	}
}
