// Package module wires the embedding worker
package module

import (
	"time"

	"pulse/internal/adapters/embed/openai"
	"pulse/internal/modkit"
	"pulse/internal/services/embed/service"
	jdom "pulse/internal/services/jobs/domain"
)

// Ports exposed by the embedding module
type Ports struct {
	Worker *service.Svc
}

// Module defines the embedding worker module
type Module struct {
	deps  modkit.Deps
	svc   *service.Svc
	ports Ports
}

// New constructs the embedding module from config
func New(deps modkit.Deps, tracker jdom.TrackerPort) (*Module, error) {
	cfg := deps.Cfg
	model := cfg.MayString("EMBED_MODEL", "text-embedding-3-small")

	embedder, err := openai.New(openai.Config{
		BaseURL: cfg.MayString("EMBED_BASE_URL", ""),
		Token:   cfg.MayString("EMBED_TOKEN", ""),
		Model:   model,
	})
	if err != nil {
		return nil, err
	}

	svc, err := service.New(deps.PG, deps.Queues, tracker, embedder, service.Config{
		Concurrency:  cfg.MayInt("EMBED_CONCURRENCY", 4),
		Batch:        cfg.MayInt("EMBED_BATCH", 16),
		LeaseFor:     cfg.MayDuration("EMBED_LEASE_FOR", 120*time.Second),
		NackBase:     cfg.MayDuration("EMBED_NACK_BASE", 5*time.Second),
		PollEvery:    cfg.MayDuration("EMBED_POLL_EVERY", 500*time.Millisecond),
		EmbedRetries: cfg.MayInt("EMBED_RETRIES", 3),
		Model:        model,
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
func (m *Module) Name() string { return "embed" }

// Service returns the worker
func (m *Module) Service() *service.Svc { return m.svc }
