package service

import (
	"context"
	"time"

	"pulse/internal/platform/queue"
)

// Run starts the worker loop and blocks until ctx is canceled
func (s *Svc) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs, err := s.queues.Lease(ctx, queue.ChannelTransform, s.cfg.Batch, s.cfg.LeaseFor)
			if err != nil {
				s.log.Error().Err(err).Msg("lease transform messages failed")
				continue
			}
			for i := range msgs {
				m := msgs[i]
				if err := s.pool.Submit(func() { s.handle(ctx, m) }); err != nil {
					s.log.Error().Err(err).Int64("msg_id", m.ID).Msg("submit to pool failed")
				}
			}
		}
	}
}
