// Package lua hosts external modules written in Lua.
//
// An external module is a directory holding a manifest and an entry
// script:
//
//	passcheck/
//	    module.yaml
//	    main.lua
//
// The manifest (module.yaml, module.yml or module.json) names the module:
//
//	id: com.example.passcheck
//	version: 1.0.0
//	sdk_version: 1.0.0
//	author: Example
//	entry: main.lua
//	events: [PASSPHRASE_REQUEST]
//
// The entry script runs once when the module is registered. It may define
// the hooks register(), activate(), deactivate() and on_event(evt). evt
// is a table {id=, trigger_id=, params={}}. on_event returns a status
// (0 on success) and optionally a params table that becomes the reply:
//
//	function on_event(evt)
//	    if evt.id == "PASSPHRASE_REQUEST" then
//	        return 0, {handled = "yes"}
//	    end
//	    return 1
//	end
//
// Scripts reach the host through the gf table: listen, trigger, rt_get,
// rt_set, log, module_id and channel.
//
// # Sandbox
//
// Only the base, table, string and math libraries are opened. dofile,
// loadfile, load, loadstring, require, module, collectgarbage and print
// are removed. Every call runs under a deadline, DefaultCallTimeout unless
// the caller's context carries one.
//
// # Boundary
//
// Events cross into the module in flat form, allocated from the host's
// secure allocator. ExecFlat consumes the request and returns a reply
// that the host frees. Script errors and Go panics become a non-zero
// status.
package lua
