//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
)

// Gateway is the part of the coordinator scripts can reach.
type Gateway interface {
	Events() *coordinator.EventBus
	ListDevices() ([]*store.Device, error)
	FindDevice(ref string) (*store.Device, error)
	SetProperty(ctx context.Context, ieee, key string, value any) (pulsemeter.State, error)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with meter.on.
type luaEventHandler struct {
	eventType string // "*" matches every event
	device    string // IEEE or friendly name; empty matches any
	key       string // reading key that must be present; empty matches any
	fn        *lua.LFunction
}

// scriptVM is a Lua state owned by a single goroutine. Everything that
// touches the state goes through commands.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	// dryRun turns meter.reset into a logged no-op.
	dryRun bool
	logf   func(msg string)

	mu       sync.Mutex
	handlers []luaEventHandler
}

func (vm *scriptVM) handlerSnapshot() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunTimeout bounds one-shot runs started by RunScript and RunCode.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) { e.runTimeout = d }
}

// WithCommandTimeout bounds device commands issued from scripts.
func WithCommandTimeout(d time.Duration) Option {
	return func(e *Engine) { e.commandTimeout = d }
}

// WithQueueSize sets the per-script event queue length.
func WithQueueSize(n int) Option {
	return func(e *Engine) { e.queueSize = n }
}

// Engine runs enabled scripts and dispatches EventBus events to them.
type Engine struct {
	gw      Gateway
	manager *Manager
	logger  *slog.Logger

	runTimeout     time.Duration
	commandTimeout time.Duration
	queueSize      int

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(gw Gateway, mgr *Manager, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		gw:             gw,
		manager:        mgr,
		logger:         logger.With("component", "automation"),
		runTimeout:     5 * time.Second,
		commandTimeout: 10 * time.Second,
		queueSize:      64,
		vms:            make(map[string]*scriptVM),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start subscribes to the EventBus and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.gw.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", len(e.Running()))
}

// Stop cancels all scripts and unsubscribes from the EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// Running returns the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether a script has a live VM.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// ReloadScript stops the script and starts it again if it is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunCode(s.Code)
}

// RunCode executes Lua code once in a throwaway VM. Handlers registered with
// meter.on are invoked with a synthetic event, meter.after runs its callback
// immediately, and meter.reset only logs.
func (e *Engine) RunCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), e.runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := &scriptVM{
		id:       "run",
		commands: make(chan func(*lua.LState), e.queueSize),
		ctx:      ctx,
		cancel:   cancel,
		dryRun:   true,
		logf: func(msg string) {
			logMu.Lock()
			logs = append(logs, msg)
			logMu.Unlock()
		},
	}
	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string{}, logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = e.describeLuaError(err)
		}
		return r
	}

	L, err := e.newState(ctx, vm)
	if err != nil {
		return result(err)
	}
	defer L.Close()
	vm.state = L

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	for _, h := range vm.handlerSnapshot() {
		evt := L.NewTable()
		evt.RawSetString("type", lua.LString(h.eventType))
		evt.RawSetString("dry_run", lua.LTrue)
		if h.device != "" {
			evt.RawSetString("ieee", lua.LString(h.device))
			evt.RawSetString("name", lua.LString(h.device))
		}
		if h.key != "" {
			reading := L.NewTable()
			reading.RawSetString(h.key, lua.LNumber(0))
			evt.RawSetString("reading", reading)
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, evt); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) describeLuaError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, context.DeadlineExceeded.Error()) {
		return fmt.Sprintf("timeout (%s)", e.runTimeout)
	}
	return msg
}

// newState builds a sandboxed Lua state with the meter module registered.
// Only the base, table, string and math libraries are opened.
func (e *Engine) newState(ctx context.Context, vm *scriptVM) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua %s library: %w", lib.name, err)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)
	registerMeterModule(L, vm, e)
	return L, nil
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := &scriptVM{
		id:       s.ID,
		commands: make(chan func(*lua.LState), e.queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	logger := e.logger.With("script", s.ID)
	vm.logf = func(msg string) { logger.Info("script log", "msg", msg) }

	L, err := e.newState(ctx, vm)
	if err != nil {
		cancel()
		return err
	}
	vm.state = L

	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	logger.Info("script started", "name", s.Meta.Name, "handlers", len(vm.handlerSnapshot()))
	return nil
}

// dispatchEvent queues matching handlers on each script's command loop.
// A full queue drops the event for that script.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	fields := eventFields(event)
	for _, vm := range vms {
	handlers:
		for _, h := range vm.handlerSnapshot() {
			if !matchesHandler(h, event.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
				break handlers
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm, fn, event.Type, fields) }:
			default:
				e.logger.Warn("script queue full, dropping event", "script", vm.id, "event", event.Type)
			}
		}
	}
}

// eventFields flattens an event payload into the table handed to Lua.
func eventFields(event coordinator.Event) map[string]any {
	switch data := event.Data.(type) {
	case map[string]interface{}:
		return data
	case coordinator.ReadingUpdate:
		return map[string]any{
			"ieee":        data.IEEE,
			"name":        data.Name,
			"model":       data.Model,
			"category":    string(data.Category),
			"reading":     map[string]any(data.Reading),
			"state":       data.State,
			"linkquality": data.LQI,
			"time":        data.Time,
		}
	case coordinator.ConfigureResult:
		return map[string]any{
			"ieee":  data.IEEE,
			"name":  data.Name,
			"model": data.Model,
			"ok":    data.OK(),
			"error": data.Error,
		}
	default:
		return nil
	}
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != "*" && h.eventType != eventType {
		return false
	}
	if h.device != "" {
		ieee, _ := fields["ieee"].(string)
		name, _ := fields["name"].(string)
		if !strings.EqualFold(h.device, ieee) && !strings.EqualFold(h.device, name) {
			return false
		}
	}
	if h.key != "" {
		reading, _ := fields["reading"].(map[string]any)
		if _, ok := reading[h.key]; !ok {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "script", vm.id, "err", r)
		}
	}()

	evt := L.NewTable()
	evt.RawSetString("type", lua.LString(eventType))
	for k, v := range fields {
		evt.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, evt); err != nil {
		if errors.Is(vm.ctx.Err(), context.Canceled) {
			return
		}
		e.logger.Error("lua handler error", "script", vm.id, "event", eventType, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		if val.IsZero() {
			return lua.LNil
		}
		return lua.LNumber(val.Unix())
	case pulsemeter.Reading:
		return goToLua(L, map[string]interface{}(val))
	case pulsemeter.State:
		return goToLua(L, map[string]interface{}(val))
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
