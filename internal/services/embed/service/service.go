// Package service implements the embedding worker, the stage that also
// finalizes jobs when the terminal message arrives
package service

import (
	"time"

	"github.com/panjf2000/ants/v2"

	"pulse/internal/modkit/repokit"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	edom "pulse/internal/services/embed/domain"
	erepo "pulse/internal/services/embed/repo"
	jdom "pulse/internal/services/jobs/domain"
	trepo "pulse/internal/services/transform/repo"
)

// Config controls the worker
type Config struct {
	Concurrency int
	Batch       int
	LeaseFor    time.Duration
	NackBase    time.Duration
	PollEvery   time.Duration

	// EmbedRetries bounds in-process embed attempts per message
	EmbedRetries int
	// Model is recorded next to each stored vector
	Model string
}

// Svc consumes the embedding channel, vectorizes entities, and finalizes
// the job when the terminal message arrives
type Svc struct {
	db       repokit.TxRunner
	vectors  erepo.Repo
	entities trepo.Repo
	queues   queue.Queue
	tracker  jdom.TrackerPort
	embedder edom.EmbedderPort
	cfg      Config
	pool     *ants.Pool
	log      logger.Logger
}

// New constructs the embedding worker
func New(
	db repokit.TxRunner,
	queues queue.Queue,
	tracker jdom.TrackerPort,
	embedder edom.EmbedderPort,
	cfg Config,
) (*Svc, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 120 * time.Second
	}
	if cfg.NackBase <= 0 {
		cfg.NackBase = 5 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 500 * time.Millisecond
	}
	if cfg.EmbedRetries <= 0 {
		cfg.EmbedRetries = 3
	}
	pool, err := ants.NewPool(cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	return &Svc{
		db:       db,
		vectors:  erepo.NewPG().Bind(db),
		entities: trepo.NewPG().Bind(db),
		queues:   queues,
		tracker:  tracker,
		embedder: embedder,
		cfg:      cfg,
		pool:     pool,
		log:      *logger.Named("embed"),
	}, nil
}

// Close releases the worker pool
func (s *Svc) Close() { s.pool.Release() }
