package lua

import lua "github.com/yuin/gopher-lua"

// removedGlobals can load code from disk or strings, or reach modules
// outside the sandbox.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"module",
	"collectgarbage",
	"print",
}

// installSandbox strips the base library down to pure computation. io,
// os, debug and package are never opened. Output goes through gf.log.
func installSandbox(L *lua.LState) {
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
}
