// Package module wires the job tracker and exposes its ports
package module

import (
	"time"

	"pulse/internal/modkit"
	phttp "pulse/internal/platform/net/http"
	jhttp "pulse/internal/services/jobs/http"
	"pulse/internal/services/jobs/service"
)

// Ports exposed to other modules
type Ports struct {
	Tracker   service.Service
	Scheduler service.Service
}

// Module defines the job tracker module
type Module struct {
	deps  modkit.Deps
	svc   *service.Svc
	ports Ports
}

// New constructs the module from config
func New(deps modkit.Deps) *Module {
	cfg := service.Config{
		RetryAfter:     deps.Cfg.MayDuration("JOBS_RETRY_AFTER", 2*time.Minute),
		MaxFastRetries: deps.Cfg.MayInt("JOBS_MAX_FAST_RETRIES", 5),
	}
	svc := service.New(deps.PG, cfg)
	m := &Module{deps: deps, svc: svc}
	m.ports = Ports{Tracker: svc, Scheduler: svc}
	return m
}

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// Name returns the module name
func (m *Module) Name() string { return "jobs" }

// Service returns the concrete tracker
func (m *Module) Service() *service.Svc { return m.svc }

// MountRoutes mounts the status API under /jobs
func (m *Module) MountRoutes(r phttp.Router) {
	r.Route("/jobs", func(rr phttp.Router) {
		jhttp.Register(rr, m.svc)
	})
}
