// Package module wires the scheduler
package module

import (
	"time"

	"pulse/internal/modkit"
	jdom "pulse/internal/services/jobs/domain"
	"pulse/internal/services/scheduler/service"
)

// Ports exposed by the scheduler module
type Ports struct {
	Scheduler *service.Svc
}

// Module defines the scheduler module
type Module struct {
	deps  modkit.Deps
	svc   *service.Svc
	ports Ports
}

// New constructs the scheduler module from config
func New(deps modkit.Deps, jobs jdom.SchedulerPort) *Module {
	cfg := deps.Cfg
	svc := service.New(deps.PG, deps.Queues, jobs, service.Config{
		SweepEvery: cfg.MayDuration("SCHEDULER_SWEEP_EVERY", 15*time.Second),
		RunFor:     cfg.MayDuration("SCHEDULER_RUN_FOR", 30*time.Minute),
		DueBatch:   cfg.MayInt("SCHEDULER_DUE_BATCH", 50),
	})
	m := &Module{deps: deps, svc: svc}
	m.ports = Ports{Scheduler: svc}
	return m
}

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// Name returns the module name
func (m *Module) Name() string { return "scheduler" }

// Service returns the scheduler
func (m *Module) Service() *service.Svc { return m.svc }
