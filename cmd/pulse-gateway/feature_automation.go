//go:build !no_automation

package main

import (
	"log/slog"

	"pulsemeter-gateway/internal/automation"
	"pulsemeter-gateway/internal/coordinator"
	"pulsemeter-gateway/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	if !cfg.Automation.Enabled {
		return &autoStopper{}, nil
	}
	scriptMgr, err := automation.NewManager(cfg.Automation.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(coord, scriptMgr, logger,
		automation.WithRunTimeout(cfg.Automation.RunTimeout),
		automation.WithCommandTimeout(cfg.Automation.CommandTimeout),
	)
	engine.Start()

	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, scriptMgr)}
}
