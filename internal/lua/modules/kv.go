package modules

import (
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/duskd/internal/kv"
)

const bucketTypeName = "kv_bucket"

// BucketFactory opens a persistent bucket by name
type BucketFactory func(name string) kv.Bucket

// KVModule gives scripts named buckets. Persistent buckets survive restarts;
// the others live in memory for as long as the process runs.
type KVModule struct {
	persistent BucketFactory

	mu     sync.Mutex
	memory map[string]kv.Bucket
}

// NewKVModule creates a new KV module. Without a factory every bucket is
// kept in memory.
func NewKVModule(persistent BucketFactory) *KVModule {
	return &KVModule{persistent: persistent, memory: make(map[string]kv.Bucket)}
}

// Loader is the module loader for Lua
func (m *KVModule) Loader(L *lua.LState) int {
	mt := L.NewTypeMetatable(bucketTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), bucketMethods))

	mod := L.NewTable()
	L.SetField(mod, "bucket", L.NewFunction(m.bucket))

	L.Push(mod)
	return 1
}

// bucket(name, opts) -> bucket
// opts: { persistent = true }
func (m *KVModule) bucket(L *lua.LState) int {
	name := L.CheckString(1)
	persistent := true
	if opts := L.OptTable(2, nil); opts != nil {
		if p := opts.RawGetString("persistent"); p != lua.LNil {
			persistent = lua.LVAsBool(p)
		}
	}

	var b kv.Bucket
	if persistent && m.persistent != nil {
		b = m.persistent(name)
	} else {
		b = m.memoryBucket(name)
	}

	ud := L.NewUserData()
	ud.Value = b
	L.SetMetatable(ud, L.GetTypeMetatable(bucketTypeName))
	L.Push(ud)
	return 1
}

func (m *KVModule) memoryBucket(name string) kv.Bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.memory[name]
	if !ok {
		b = kv.NewMemoryBucket(name)
		m.memory[name] = b
	}
	return b
}

var bucketMethods = map[string]lua.LGFunction{
	"store":  bucketStore,
	"get":    bucketGet,
	"delete": bucketDelete,
	"clear":  bucketClear,
}

func checkBucket(L *lua.LState, pos int) kv.Bucket {
	ud := L.CheckUserData(pos)
	if b, ok := ud.Value.(kv.Bucket); ok {
		return b
	}
	L.ArgError(pos, "bucket expected")
	return nil
}

// store(key, value)
func bucketStore(L *lua.LState) int {
	b := checkBucket(L, 1)
	key := L.CheckString(2)

	if err := b.Save(key, LuaToGo(L.Get(3))); err != nil {
		log.Warn().Err(err).Str("bucket", b.Name()).Str("key", key).Msg("Failed to store value")
	}
	return 0
}

// get(key) -> value | nil
func bucketGet(L *lua.LState) int {
	b := checkBucket(L, 1)
	key := L.CheckString(2)

	var value any
	found, err := b.Load(key, &value)
	if err != nil {
		log.Warn().Err(err).Str("bucket", b.Name()).Str("key", key).Msg("Failed to get value")
	}
	if !found || err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(GoToLuaValue(L, value))
	return 1
}

// delete(key)
func bucketDelete(L *lua.LState) int {
	b := checkBucket(L, 1)
	key := L.CheckString(2)

	if err := b.Delete(key); err != nil {
		log.Warn().Err(err).Str("bucket", b.Name()).Str("key", key).Msg("Failed to delete key")
	}
	return 0
}

// clear()
func bucketClear(L *lua.LState) int {
	b := checkBucket(L, 1)
	if err := b.Clear(); err != nil {
		log.Warn().Err(err).Str("bucket", b.Name()).Msg("Failed to clear bucket")
	}
	return 0
}
