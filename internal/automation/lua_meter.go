//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
)

const maxHandlersPerScript = 100

// registerMeterModule installs the `meter` global table.
func registerMeterModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":      func(L *lua.LState) int { return meterOn(L, vm) },
		"reset":   func(L *lua.LState) int { return meterReset(L, vm, e) },
		"reading": func(L *lua.LState) int { return meterReading(L, e) },
		"devices": func(L *lua.LState) int { return meterDevices(L, e) },
		"after":   func(L *lua.LState) int { return meterAfter(L, vm, e) },
		"log":     func(L *lua.LState) int { return meterLog(L, vm) },
	})
	L.SetGlobal("meter", mod)
}

// meter.on(event, [filter,] fn)
//
// filter may carry `device` (IEEE or friendly name) and `key` (a reading key
// such as "energy" that must be present in the event).
func meterOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}

	switch L.GetTop() {
	case 2:
		h.fn = L.CheckFunction(2)
	default:
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("device"); v != lua.LNil {
			h.device = v.String()
		}
		if v := filter.RawGetString("key"); v != lua.LNil {
			h.key = v.String()
		}
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

// meter.reset(device) returns true, or false and an error message.
func meterReset(L *lua.LState, vm *scriptVM, e *Engine) int {
	target := L.CheckString(1)
	dev := resolveDevice(e, target)
	if dev == nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString("device not found: " + target))
		return 2
	}

	if vm.dryRun {
		vm.logf("dry run: reset_counter on " + deviceLabel(dev))
		L.Push(lua.LTrue)
		return 1
	}

	ctx, cancel := context.WithTimeout(vm.ctx, e.commandTimeout)
	defer cancel()
	if _, err := e.gw.SetProperty(ctx, dev.IEEEAddress, pulsemeter.ResetKey, "RESET"); err != nil {
		e.logger.Error("script reset", "script", vm.id, "ieee", dev.IEEEAddress, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// meter.reading(device) returns the last known state table, or nil.
func meterReading(L *lua.LState, e *Engine) int {
	dev := resolveDevice(e, L.CheckString(1))
	if dev == nil || dev.State == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, dev.State))
	return 1
}

// meter.devices() returns every known device.
func meterDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.gw.ListDevices()
	if err != nil {
		e.logger.Warn("list devices for script", "err", err)
		L.Push(tbl)
		return 1
	}

	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("name", lua.LString(deviceLabel(dev)))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		d.RawSetString("interviewed", lua.LBool(dev.Interviewed))
		if v, ok := pulsemeter.Lookup(dev.Model); ok {
			d.RawSetString("category", lua.LString(v.Category))
		}
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// meter.after(seconds, fn)
func meterAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	call := func(L *lua.LState) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
			e.logger.Error("after callback error", "script", vm.id, "err", err)
		}
	}
	if vm.dryRun {
		call(L)
		return 0
	}

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- call:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: script queue full", "script", vm.id)
		}
	}()
	return 0
}

// meter.log(msg)
func meterLog(L *lua.LState, vm *scriptVM) int {
	vm.logf(L.CheckString(1))
	return 0
}

// resolveDevice finds a device by IEEE address (any case) or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	if len(target) == 16 && isHexString(target) {
		if dev, err := e.gw.FindDevice(strings.ToUpper(target)); err == nil {
			return dev
		}
	}
	if dev, err := e.gw.FindDevice(target); err == nil {
		return dev
	}

	devices, err := e.gw.ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.FriendlyName, target) {
			return dev
		}
	}
	return nil
}

func deviceLabel(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	return dev.IEEEAddress
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
