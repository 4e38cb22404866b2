package lua

import (
	"github.com/dokzlo13/duskd/internal/circadian"
	"github.com/dokzlo13/duskd/internal/clock"
	"github.com/dokzlo13/duskd/internal/eventbus"
	"github.com/dokzlo13/duskd/internal/lua/modules"
	"github.com/dokzlo13/duskd/internal/scene"
	"github.com/dokzlo13/duskd/internal/sequence"
	"github.com/dokzlo13/duskd/internal/solar"
)

// RuntimeDeps groups all dependencies needed by Lua runtime.
// This reduces constructor parameter count and makes dependencies explicit.
type RuntimeDeps struct {
	Platform  modules.Platform
	Table     *solar.ReferenceTable
	Events    *solar.EventScheduler
	Circadian *circadian.Circadian
	Clock     *clock.Clock
	Rooms     []*scene.Room
	Matcher   *sequence.Matcher
	Cron      scene.Cron
	Publisher eventbus.Publisher
	Buckets   modules.BucketFactory
}
