// Package lua runs the user rules script on a single worker goroutine.
package lua

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/lua/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = fmt.Errorf("lua runtime closed")

// LuaWork represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type LuaWork func(ctx context.Context)

// closer is a module holding registrations made by the script
type closer interface {
	Close()
}

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L    *lua.LState
	deps RuntimeDeps

	closers []closer

	// Work queue for thread-safe Lua execution
	workQueue chan LuaWork

	// Shutdown signaling - closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once
	running   atomic.Bool
	stateOnce sync.Once
}

// NewRuntime creates a new Lua runtime
func NewRuntime(deps RuntimeDeps) *Runtime {
	r := &Runtime{
		L:         lua.NewState(),
		deps:      deps,
		workQueue: make(chan LuaWork, 100),
		closing:   make(chan struct{}),
	}

	r.registerModules()

	return r
}

// LState returns the Lua state. Only touch it from within queued work.
func (r *Runtime) LState() *lua.LState {
	return r.L
}

// Close removes script registrations, stops accepting work and closes the
// Lua state once the worker has exited.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		for _, c := range r.closers {
			c.Close()
		}
		close(r.closing)
		// A running worker closes the state on exit
		if !r.running.Load() {
			r.closeState()
		}
	})
}

func (r *Runtime) closeState() {
	r.stateOnce.Do(r.L.Close)
}

// Do queues work to be executed on the Lua VM (thread-safe, non-blocking)
// Returns false if the runtime is closing, queue is full, or context is cancelled.
func (r *Runtime) Do(ctx context.Context, work func(ctx context.Context)) bool {
	if r.isClosing() {
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	}
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSync queues work and blocks until there's space (thread-safe, blocking)
// Returns error if the runtime is closing or context is cancelled.
func (r *Runtime) DoSync(ctx context.Context, work func(ctx context.Context)) error {
	if r.isClosing() {
		return ErrRuntimeClosed
	}
	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- work:
		return nil
	}
}

// DoSyncWithResult queues work, waits for space, and waits for the result.
// Used where Go code needs an answer from the script, e.g. dynamic offsets
// and managed switch predicates.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrappedWork := LuaWork(func(c context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("lua work panicked: %v", rec)
			}
		}()
		done <- work(c)
	})

	if r.isClosing() {
		return ErrRuntimeClosed
	}
	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrappedWork:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// isClosing checks the closing signal first, since select picks randomly
// among ready cases
func (r *Runtime) isClosing() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}

// registerModules preloads all Lua modules
func (r *Runtime) registerModules() {
	r.L.PreloadModule("log", modules.NewLogModule().Loader)

	if r.deps.Table != nil {
		solarModule := modules.NewSolarModule(r, r.deps.Table, r.deps.Events, r.deps.Circadian)
		r.L.PreloadModule("solar", solarModule.Loader)
		r.closers = append(r.closers, solarModule)
	}

	if r.deps.Clock != nil {
		r.L.PreloadModule("clock", modules.NewClockModule(r.deps.Clock).Loader)
	}

	r.L.PreloadModule("rooms", modules.NewRoomsModule(r.deps.Rooms).Loader)
	r.L.PreloadModule("kv", modules.NewKVModule(r.deps.Buckets).Loader)

	if r.deps.Matcher != nil {
		sequenceModule := modules.NewSequenceModule(r, r.deps.Matcher)
		r.L.PreloadModule("sequence", sequenceModule.Loader)
		r.closers = append(r.closers, sequenceModule)
	}

	if r.deps.Platform != nil {
		haModule := modules.NewHAModule(r, r.deps.Platform)
		r.L.PreloadModule("ha", haModule.Loader)
		r.closers = append(r.closers, haModule)

		if r.deps.Cron != nil {
			switchModule := modules.NewSwitchModule(r, r.deps.Platform, r.deps.Cron, r.deps.Publisher)
			r.L.PreloadModule("switch", switchModule.Loader)
			r.closers = append(r.closers, switchModule)
		}
	}
}

// Run starts the Lua worker goroutine - this is the ONLY goroutine that touches Lua
// after the script is loaded. Exits when context is cancelled or runtime is closed.
func (r *Runtime) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.closeState()

	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// drainQueue processes any remaining work in the queue before exiting
func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	// Set context on LState so modules can access it via L.Context()
	r.L.SetContext(ctx)
	work(ctx)
}

// LoadScript executes the rules script (must be called before Run).
// Registrations made by the script live as long as ctx.
func (r *Runtime) LoadScript(ctx context.Context, path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	r.L.SetContext(ctx)
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Msg("Lua script loaded successfully")
	return nil
}
