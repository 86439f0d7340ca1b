//go:build !no_automation

package automation

import (
	"time"

	"blemesh-relay/internal/store"

	lua "github.com/yuin/gopher-lua"
)

// registerMeshModule registers the `mesh` global table in a Lua state.
func registerMeshModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return meshOn(L, vm)
	}))

	mod.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		return meshSend(L, e)
	}))

	mod.RawSetString("retry", L.NewFunction(func(L *lua.LState) int {
		return meshRetry(L, e)
	}))

	mod.RawSetString("retry_all", L.NewFunction(func(L *lua.LState) int {
		return meshRetryAll(L, e)
	}))

	mod.RawSetString("remove", L.NewFunction(func(L *lua.LState) int {
		return meshRemove(L, e)
	}))

	mod.RawSetString("set_priority", L.NewFunction(func(L *lua.LState) int {
		return meshSetPriority(L, e)
	}))

	mod.RawSetString("trigger_scan", L.NewFunction(func(L *lua.LState) int {
		return meshTriggerScan(L, e)
	}))

	mod.RawSetString("can_scan", L.NewFunction(func(L *lua.LState) int {
		return meshCanScan(L, e)
	}))

	mod.RawSetString("stats", L.NewFunction(func(L *lua.LState) int {
		return meshStats(L, e)
	}))

	mod.RawSetString("peers", L.NewFunction(func(L *lua.LState) int {
		return meshPeers(L, e)
	}))

	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return meshAfter(L, vm, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return meshLog(L, e)
	}))

	L.SetGlobal("mesh", mod)
}

const maxHandlersPerScript = 100

// mesh.on(type, filter, callback)
func meshOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}

	if v := filterTable.RawGetString("id"); v != lua.LNil {
		h.messageID = v.String()
	}
	if v := filterTable.RawGetString("recipient"); v != lua.LNil {
		h.recipient = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()

	return 0
}

// mesh.send(recipient, content [, opts]) — opts: {priority=..., max_retries=...}
// Returns the assigned message id, or nil and an error string.
func meshSend(L *lua.LState, e *Engine) int {
	recipient := L.CheckString(1)
	content := L.CheckString(2)

	msg := &store.QueuedMessage{
		RecipientKey: recipient,
		Content:      []byte(content),
	}

	if L.GetTop() >= 3 {
		opts := L.CheckTable(3)
		if v := opts.RawGetString("priority"); v != lua.LNil {
			p, err := store.ParsePriority(v.String())
			if err != nil {
				L.ArgError(3, err.Error())
				return 0
			}
			msg.Priority = p
		}
		if v := opts.RawGetString("max_retries"); v != lua.LNil {
			if n, ok := v.(lua.LNumber); ok && n > 0 {
				msg.MaxRetries = int(n)
			}
		}
	}

	queued, err := e.mesh.Coordinator.Enqueue(msg)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	L.Push(lua.LString(queued.ID))
	return 1
}

// mesh.retry(id) — re-admit a failed message; returns true on success
func meshRetry(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	L.Push(lua.LBool(e.mesh.Coordinator.RetryMessage(id)))
	return 1
}

// mesh.retry_all() — returns the number of failed messages re-admitted
func meshRetryAll(L *lua.LState, e *Engine) int {
	L.Push(lua.LNumber(e.mesh.Coordinator.RetryAllMessages()))
	return 1
}

// mesh.remove(id) — returns true if the message existed
func meshRemove(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	L.Push(lua.LBool(e.mesh.Coordinator.RemoveMessage(id)))
	return 1
}

// mesh.set_priority(id, priority) — returns true on success
func meshSetPriority(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	p, err := store.ParsePriority(L.CheckString(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	L.Push(lua.LBool(e.mesh.Coordinator.SetPriority(id, p)))
	return 1
}

// mesh.trigger_scan() — request an immediate discovery burst; silent no-op
// when scanning is disabled or override is not permitted
func meshTriggerScan(L *lua.LState, e *Engine) int {
	if e.mesh.Scan != nil {
		e.mesh.Scan.TriggerManualScan()
	}
	return 0
}

// mesh.can_scan() — whether a manual scan would be accepted now
func meshCanScan(L *lua.LState, e *Engine) int {
	ok := e.mesh.Scan != nil && e.mesh.Scan.CanOverride()
	L.Push(lua.LBool(ok))
	return 1
}

// mesh.stats() — queue statistics table
func meshStats(L *lua.LState, e *Engine) int {
	stats := e.mesh.Queue.Statistics()

	tbl := L.NewTable()
	tbl.RawSetString("pending", lua.LNumber(stats.Pending))
	tbl.RawSetString("sending", lua.LNumber(stats.Sending))
	tbl.RawSetString("retrying", lua.LNumber(stats.Retrying))
	tbl.RawSetString("failed", lua.LNumber(stats.Failed))
	tbl.RawSetString("online", lua.LBool(stats.IsOnline))
	tbl.RawSetString("success_rate", lua.LNumber(stats.SuccessRate))

	L.Push(tbl)
	return 1
}

// mesh.peers() — table of currently known peers
func meshPeers(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	if e.mesh.Peers == nil {
		L.Push(tbl)
		return 1
	}

	for i, p := range e.mesh.Peers.Peers() {
		pt := L.NewTable()
		pt.RawSetString("id", lua.LString(p.ID))
		pt.RawSetString("rssi", lua.LNumber(p.RSSI))
		tbl.RawSetInt(i+1, pt)
	}

	L.Push(tbl)
	return 1
}

// mesh.after(seconds, callback) — delayed execution
func meshAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{
				Fn:      fn,
				NRet:    0,
				Protect: true,
			}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()

	return 0
}

// mesh.log(msg)
func meshLog(L *lua.LState, e *Engine) int {
	msg := L.CheckString(1)
	e.logger.Info("script log", "msg", msg)
	return 0
}
