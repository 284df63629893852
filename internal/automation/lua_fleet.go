//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"time"

	"smarttile-coordinator/internal/coordinator"
	"smarttile-coordinator/internal/directory"
	"smarttile-coordinator/internal/wire"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerFleetModule installs the `fleet` global table.
func registerFleetModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":             func(L *lua.LState) int { return fleetOn(L, vm) },
		"set_light":      func(L *lua.LState) int { return fleetSetLight(L, vm, e) },
		"presence":       func(L *lua.LState) int { return fleetPresence(L, vm, e) },
		"pairing":        func(L *lua.LState) int { return fleetPairing(L, vm, e) },
		"stop_pairing":   func(L *lua.LState) int { return fleetStopPairing(L, vm, e) },
		"pairing_active": func(L *lua.LState) int { return fleetPairingActive(L, e) },
		"test_pattern":   func(L *lua.LState) int { return fleetTestPattern(L, vm, e) },
		"node":           func(L *lua.LState) int { return fleetNode(L, e) },
		"nodes":          func(L *lua.LState) int { return fleetNodes(L, e) },
		"lights":         func(L *lua.LState) int { return fleetLights(L, e) },
		"after":          func(L *lua.LState) int { return fleetAfter(L, vm, e) },
		"log":            func(L *lua.LState) int { return fleetLog(L, vm, e) },
		"hour":           func(L *lua.LState) int { return fleetHour(L, e) },
		"time_between":   func(L *lua.LState) int { return fleetTimeBetween(L, e) },
	}
	L.SetGlobal("fleet", L.SetFuncs(L.NewTable(), fns))
}

// call runs fn on the coordinator loop, bounded by the VM context and the
// engine call timeout.
func (e *Engine) call(vm *scriptVM, fn func() error) error {
	ctx, cancel := context.WithTimeout(vm.ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.coord.Do(ctx, fn)
}

// pushResult follows the Lua convention: true on success, false plus a
// message on failure.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// resolve maps an address or light id to a directory record.
func resolve(dir *directory.Directory, target string) (directory.Record, bool) {
	if addr, err := wire.ParseAddress(target); err == nil {
		return dir.Get(addr)
	}
	return dir.ByLight(target)
}

func clampLevel(n lua.LNumber) uint8 {
	switch {
	case n <= 0:
		return 0
	case n >= 100:
		return 100
	default:
		return uint8(n + 0.5)
	}
}

// fleet.on(type, [filter], callback). Type "*" matches every event.
func fleetOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	h := luaEventHandler{eventType: eventType}

	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		if v := arg.RawGetString("address"); v != lua.LNil {
			h.address = v.String()
		}
		if v := arg.RawGetString("light_id"); v != lua.LNil {
			h.lightID = v.String()
		}
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or function expected")
		return 0
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// fleet.set_light(target, percent, [reason])
func fleetSetLight(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	level := clampLevel(L.CheckNumber(2))
	reason := L.OptString(3, "script")

	rec, ok := resolve(e.coord.Directory(), target)
	if !ok {
		return pushResult(L, fmt.Errorf("%w: %s", coordinator.ErrUnknownLight, target))
	}
	return pushResult(L, e.call(vm, func() error {
		return e.coord.SetLight(rec.LightID, level, reason)
	}))
}

// fleet.presence(zone, present, [percent])
func fleetPresence(L *lua.LState, vm *scriptVM, e *Engine) int {
	zone := L.CheckString(1)
	present := L.CheckBool(2)
	level := clampLevel(L.OptNumber(3, 100))

	return pushResult(L, e.call(vm, func() error {
		return e.coord.HandlePresence(zone, present, level)
	}))
}

// fleet.pairing([seconds])
func fleetPairing(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.OptNumber(1, 0)) * float64(time.Second))
	return pushResult(L, e.call(vm, func() error {
		e.coord.OpenPairingFor(d)
		return nil
	}))
}

func fleetStopPairing(L *lua.LState, vm *scriptVM, e *Engine) int {
	return pushResult(L, e.call(vm, func() error {
		e.coord.ClosePairing()
		return nil
	}))
}

func fleetPairingActive(L *lua.LState, e *Engine) int {
	L.Push(lua.LBool(e.coord.Directory().IsPairingActive()))
	return 1
}

// fleet.test_pattern([pattern]) returns the number of nodes scheduled.
func fleetTestPattern(L *lua.LState, vm *scriptVM, e *Engine) int {
	pattern := L.OptString(1, "")
	var n int
	err := e.call(vm, func() error {
		var err error
		n, err = e.coord.StartTestPattern(pattern)
		return err
	})
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LNumber(n))
	return 1
}

func recordTable(L *lua.LState, rec directory.Record) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("address", lua.LString(rec.Addr.String()))
	t.RawSetString("light_id", lua.LString(rec.LightID))
	t.RawSetString("last_duty", lua.LNumber(rec.LastDuty))
	t.RawSetString("last_seen", lua.LNumber(rec.LastSeen))
	t.RawSetString("temp_c", lua.LNumber(rec.TempC))
	t.RawSetString("derated", lua.LBool(rec.Derated))
	t.RawSetString("deration_level", lua.LNumber(rec.DerationLevel))
	return t
}

// fleet.node(target) returns the node table or nil.
func fleetNode(L *lua.LState, e *Engine) int {
	rec, ok := resolve(e.coord.Directory(), L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(recordTable(L, rec))
	return 1
}

func fleetNodes(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, rec := range e.coord.Directory().List() {
		tbl.RawSetInt(i+1, recordTable(L, rec))
	}
	L.Push(tbl)
	return 1
}

func fleetLights(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, rec := range e.coord.Directory().List() {
		tbl.RawSetInt(i+1, lua.LString(rec.LightID))
	}
	L.Push(tbl)
	return 1
}

// fleet.after(seconds, callback) runs callback on the script goroutine.
func fleetAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
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
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

func fleetLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}

func fleetHour(L *lua.LState, e *Engine) int {
	L.Push(lua.LNumber(e.now().Hour()))
	return 1
}

// fleet.time_between(from_hour, to_hour) handles ranges that wrap midnight.
func fleetTimeBetween(L *lua.LState, e *Engine) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(e.now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
