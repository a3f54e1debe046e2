// Package module wires the transform worker
package module

import (
	"time"

	"pulse/internal/modkit"
	jdom "pulse/internal/services/jobs/domain"
	"pulse/internal/services/transform/service"
)

// Ports exposed by the transform module
type Ports struct {
	Worker *service.Svc
}

// Module defines the transform worker module
type Module struct {
	deps  modkit.Deps
	svc   *service.Svc
	ports Ports
}

// New constructs the transform module from config
func New(deps modkit.Deps, tracker jdom.TrackerPort) (*Module, error) {
	cfg := deps.Cfg
	svc, err := service.New(deps.PG, deps.Queues, deps.Blobs, tracker, service.Config{
		Concurrency: cfg.MayInt("TRANSFORM_CONCURRENCY", 8),
		Batch:       cfg.MayInt("TRANSFORM_BATCH", 32),
		LeaseFor:    cfg.MayDuration("TRANSFORM_LEASE_FOR", 60*time.Second),
		NackBase:    cfg.MayDuration("TRANSFORM_NACK_BASE", 5*time.Second),
		PollEvery:   cfg.MayDuration("TRANSFORM_POLL_EVERY", 500*time.Millisecond),
	})
	if err != nil {
		return nil, err
	}
	m := &Module{deps: deps, svc: svc}
	m.ports = Ports{Worker: svc}
	return m, nil
}

// Ports returns the module ports
func (m *Module) Ports() any { return m.ports }

// Name returns the module name
func (m *Module) Name() string { return "transform" }

// Service returns the worker
func (m *Module) Service() *service.Svc { return m.svc }
