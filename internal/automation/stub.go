//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/pulsemeter"
	"pulsemeter-gateway/internal/store"
)

// ErrDisabled is returned by every operation when automation is compiled out.
var ErrDisabled = errors.New("automation disabled")

var (
	// ErrScriptNotFound is returned when no script file exists for an ID.
	ErrScriptNotFound = errors.New("script not found")
	// ErrInvalidScriptID is returned for IDs that are not a plain file stem.
	ErrInvalidScriptID = errors.New("invalid script id")
)

// Gateway is the part of the coordinator scripts can reach.
type Gateway interface {
	Events() *coordinator.EventBus
	ListDevices() ([]*store.Device, error)
	FindDevice(ref string) (*store.Device, error)
	SetProperty(ctx context.Context, ieee, key string, value any) (pulsemeter.State, error)
}

// ScriptMeta is the JSON header stored on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation script stored on disk.
type Script struct {
	ID        string     `json:"id"`
	Meta      ScriptMeta `json:"meta"`
	Code      string     `json:"code"`
	Running   bool       `json:"running"`
	UpdatedAt time.Time  `json:"updated_at"`
	FilePath  string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub.
type Manager struct{}

// NewManager returns a no-op manager.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

func (m *Manager) Dir() string                                  { return "" }
func (m *Manager) List() ([]*Script, error)                     { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)                { return nil, ErrDisabled }
func (m *Manager) Save(_ *Script) (*Script, error)              { return nil, ErrDisabled }
func (m *Manager) SetEnabled(_ string, _ bool) (*Script, error) { return nil, ErrDisabled }
func (m *Manager) Delete(_ string) error                        { return ErrDisabled }

// Option configures an Engine.
type Option func(*Engine)

func WithRunTimeout(time.Duration) Option     { return func(*Engine) {} }
func WithCommandTimeout(time.Duration) Option { return func(*Engine) {} }
func WithQueueSize(int) Option                { return func(*Engine) {} }

// Engine is a no-op stub.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ Gateway, _ *Manager, _ *slog.Logger, _ ...Option) *Engine { return &Engine{} }

func (e *Engine) Start()                        {}
func (e *Engine) Stop()                         {}
func (e *Engine) Running() []string             { return nil }
func (e *Engine) IsRunning(_ string) bool       { return false }
func (e *Engine) ReloadScript(_ string) error   { return ErrDisabled }
func (e *Engine) StopScript(_ string)           {}
func (e *Engine) RunScript(_ string) *RunResult { return &RunResult{Error: ErrDisabled.Error()} }
func (e *Engine) RunCode(_ string) *RunResult   { return &RunResult{Error: ErrDisabled.Error()} }
