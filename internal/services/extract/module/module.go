// Package module wires the extraction worker
package module

import (
	"time"

	gh "pulse/internal/adapters/upstream/github"
	"pulse/internal/modkit"
	"pulse/internal/services/extract/service"
	jdom "pulse/internal/services/jobs/domain"
)

// Ports exposed by the extraction module
type Ports struct {
	Worker *service.Svc
}

// Module defines the extraction worker module
type Module struct {
	deps  modkit.Deps
	svc   *service.Svc
	ports Ports
}

// New constructs the extraction module from config
func New(deps modkit.Deps, tracker jdom.TrackerPort) (*Module, error) {
	cfg := deps.Cfg
	client := gh.NewClient(gh.Options{
		BaseURL:    cfg.MayString("GITHUB_BASE_URL", ""),
		UserAgent:  cfg.MayString("GITHUB_USER_AGENT", ""),
		Timeout:    cfg.MayDuration("GITHUB_TIMEOUT", 10*time.Second),
		TokensCSV:  cfg.MayString("GITHUB_TOKENS", ""),
		MaxRetries: cfg.MayInt("GITHUB_MAX_RETRIES", 5),
		RetryBase:  cfg.MayDuration("GITHUB_RETRY_BASE", 500*time.Millisecond),
		PageSize:   cfg.MayInt("GITHUB_PAGE_SIZE", 100),
		RPS:        cfg.MayFloat("GITHUB_RPS", 10),
	})

	svc, err := service.New(deps.Queues, deps.Blobs, tracker, client, service.Config{
		Concurrency: cfg.MayInt("EXTRACT_CONCURRENCY", 8),
		Batch:       cfg.MayInt("EXTRACT_BATCH", 16),
		LeaseFor:    cfg.MayDuration("EXTRACT_LEASE_FOR", 60*time.Second),
		NackBase:    cfg.MayDuration("EXTRACT_NACK_BASE", 5*time.Second),
		PollEvery:   cfg.MayDuration("EXTRACT_POLL_EVERY", 500*time.Millisecond),
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
func (m *Module) Name() string { return "extract" }

// Service returns the worker
func (m *Module) Service() *service.Svc { return m.svc }
