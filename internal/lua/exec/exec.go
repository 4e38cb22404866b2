// Package exec provides the Executor interface for thread-safe Lua execution.
// This package is separate from lua so modules can schedule work without
// importing the runtime.
package exec

import (
	"context"
	"fmt"

	glua "github.com/yuin/gopher-lua"
)

// Executor provides thread-safe Lua execution and state access.
// Implemented by lua.Runtime.
type Executor interface {
	// Do queues work without blocking. Returns false if the work was dropped.
	Do(ctx context.Context, work func(ctx context.Context)) bool
	// DoSync queues work, blocking until there is room in the queue
	DoSync(ctx context.Context, work func(ctx context.Context)) error
	// DoSyncWithResult queues work and waits for it to finish. Must not be
	// called from the Lua worker itself.
	DoSyncWithResult(ctx context.Context, work func(ctx context.Context) error) error
	// LState returns the underlying Lua state (for use within work only)
	LState() *glua.LState
}

// Call invokes fn with args in protected mode and returns nret results.
// MUST be called from within Executor work.
func Call(L *glua.LState, fn *glua.LFunction, nret int, args ...glua.LValue) ([]glua.LValue, error) {
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), nret, nil); err != nil {
		return nil, fmt.Errorf("lua callback: %w", err)
	}
	if nret <= 0 {
		return nil, nil
	}

	results := make([]glua.LValue, nret)
	for i := 0; i < nret; i++ {
		results[i] = L.Get(-nret + i)
	}
	L.Pop(nret)
	return results, nil
}
