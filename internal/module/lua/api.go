package lua

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/logging"
)

// api returns the functions of the gf table.
//
//	gf.listen(event_id)
//	gf.trigger(event_id [, params]) -> bool
//	gf.rt_get(namespace, key [, default]) -> value
//	gf.rt_set(namespace, key, value)
//	gf.log(level, message)
//	gf.module_id() -> string
//	gf.channel() -> number
func (m *Module) api() map[string]lua.LGFunction {
	return map[string]lua.LGFunction{
		"listen":    m.luaListen,
		"trigger":   m.luaTrigger,
		"rt_get":    m.luaRTGet,
		"rt_set":    m.luaRTSet,
		"log":       m.luaLog,
		"module_id": m.luaModuleID,
		"channel":   m.luaChannel,
	}
}

func (m *Module) luaListen(L *lua.LState) int {
	id := L.CheckString(1)
	host, _, _ := m.env()
	if err := host.ListenEvent(m.ID(), id); err != nil {
		L.RaiseError("listen %q: %s", id, err.Error())
	}
	return 0
}

func (m *Module) luaTrigger(L *lua.LState) int {
	id := L.CheckString(1)
	params := tableToParams(L.OptTable(2, nil))
	host, _, log := m.env()

	evt := event.New(id, params, nil, event.WithLogger(log))
	L.Push(lua.LBool(host.TriggerEvent(evt)))
	return 1
}

func (m *Module) luaRTGet(L *lua.LState) int {
	ns := L.CheckString(1)
	key := L.CheckString(2)
	def := toGoValue(L.Get(3))
	host, _, _ := m.env()

	L.Push(toLValue(L, host.RTValues().Retrieve(ns, key, def)))
	return 1
}

func (m *Module) luaRTSet(L *lua.LState) int {
	ns := L.CheckString(1)
	key := L.CheckString(2)
	val := toGoValue(L.CheckAny(3))
	host, _, _ := m.env()

	host.RTValues().Upsert(ns, key, val)
	return 0
}

func (m *Module) luaLog(L *lua.LState) int {
	level := logging.ParseLevel(L.CheckString(1))
	msg := L.CheckString(2)
	_, _, log := m.env()

	switch level {
	case logging.LevelDebug:
		log.Debug("%s", msg)
	case logging.LevelWarn:
		log.Warn("%s", msg)
	case logging.LevelError:
		log.Error("%s", msg)
	default:
		log.Info("%s", msg)
	}
	return 0
}

func (m *Module) luaModuleID(L *lua.LState) int {
	L.Push(lua.LString(m.ID()))
	return 1
}

func (m *Module) luaChannel(L *lua.LState) int {
	host, _, _ := m.env()
	ch, err := host.GetChannel(m.ID())
	if err != nil {
		L.RaiseError("channel: %s", err.Error())
	}
	L.Push(lua.LNumber(ch))
	return 1
}
