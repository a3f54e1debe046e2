package service

import (
	"context"
	"time"

	"pulse/internal/core/envelope"
	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	jdom "pulse/internal/services/jobs/domain"
)

func (s *Svc) handle(ctx context.Context, m queue.Message) {
	env, err := envelope.Decode(m.Payload, envelope.StageEmbedding)
	if err != nil {
		s.log.Error().Err(err).Int64("msg_id", m.ID).Msg("bad embedding message dropped")
		_ = s.queues.Ack(ctx, m.ID)
		return
	}
	ctx = logger.WithJob(ctx, env.JobID, env.TenantID, env.Token)
	log := logger.C(ctx)

	if !s.current(ctx, env) {
		log.Warn().Str("item_type", env.ItemType).Msg("stale embedding message dropped")
		_ = s.queues.Ack(ctx, m.ID)
		return
	}

	if err := s.process(ctx, env); err != nil {
		if perr.Retryable(err) {
			back := s.cfg.NackBase << uint(min(m.Attempts, 6))
			dead, nackErr := s.queues.Nack(ctx, m.ID, back, err.Error())
			if nackErr != nil {
				log.Error().Err(nackErr).Int64("msg_id", m.ID).Msg("nack failed")
			}
			if !dead {
				log.Warn().Err(err).Dur("backoff", back).Msg("embedding retrying")
				return
			}
			// retries exhausted; the dead-lettered message must still resolve
			// the step and, if terminal, the job
			log.Error().Err(err).Int64("msg_id", m.ID).Msg("embedding retries exhausted")
			s.failStep(ctx, env, err)
			return
		}
		s.failStep(ctx, env, err)
	}
	_ = s.queues.Ack(ctx, m.ID)
}

// failStep marks the step failed and, because embedding is the last stage,
// releases the terminal signal when this message carries it so the job never
// hangs until the sweep
func (s *Svc) failStep(ctx context.Context, env *envelope.Envelope, cause error) {
	log := logger.C(ctx)
	log.Error().Err(cause).Str("step", env.Step).Msg("embedding failed permanently")
	if err := s.tracker.MarkStepFailed(ctx, env.JobID, env.Step, string(envelope.StageEmbedding)); err != nil {
		log.Error().Err(err).Msg("mark step failed errored")
	}
	if env.Flags.LastJobItem {
		s.finalize(ctx, env, true)
	}
}

func (s *Svc) current(ctx context.Context, env *envelope.Envelope) bool {
	job, err := s.tracker.Get(ctx, env.JobID)
	if err != nil {
		logger.C(ctx).Warn().Err(err).Msg("job lookup failed, dropping message")
		return false
	}
	return job.Status == jdom.JobRunning && job.Token == env.Token
}

func (s *Svc) process(ctx context.Context, env *envelope.Envelope) error {
	if env.Failed {
		// failure completion carries the terminal signal for a failed job
		s.finalize(ctx, env, true)
		return nil
	}

	if err := s.tracker.MarkStepRunning(ctx, env.JobID, env.Step, string(envelope.StageEmbedding)); err != nil {
		return err
	}

	if env.RawID != nil {
		if err := s.vectorize(ctx, env); err != nil {
			return err
		}
	}

	if env.Flags.LastItem {
		if err := s.tracker.MarkStepFinished(ctx, env.JobID, env.Step, string(envelope.StageEmbedding)); err != nil {
			return err
		}
	}
	if env.Flags.LastJobItem {
		s.finalize(ctx, env, false)
	}
	return nil
}

// vectorize embeds one entity and persists its vector. A missing entity or an
// exhausted provider is absorbed here as a skip, the entity row stays
// queryable without a vector. Store errors are returned so the caller retries
// the message
func (s *Svc) vectorize(ctx context.Context, env *envelope.Envelope) error {
	ent, err := s.entities.Get(ctx, env.TenantID, env.EntityKey)
	if err != nil {
		if perr.IsCode(err, perr.ErrorCodeNotFound) {
			logger.C(ctx).Warn().Str("entity_key", env.EntityKey).Msg("entity missing, embedding skipped")
			return nil
		}
		return err
	}
	text := ent.EmbedText()
	if text == "" {
		return nil
	}

	var vec []float32
	for attempt := 0; ; attempt++ {
		vec, err = s.embedder.EmbedText(ctx, text)
		if err == nil {
			break
		}
		if attempt+1 >= s.cfg.EmbedRetries {
			logger.C(ctx).Error().Err(err).
				Str("entity_key", env.EntityKey).
				Msg("embedding provider exhausted, embedding skipped")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.NackBase << uint(attempt)):
		}
	}
	return s.vectors.UpsertVector(ctx, env.TenantID, env.EntityKey, vec, s.cfg.Model)
}

// finalize performs the one RUNNING to FINISHED or FAILED transition for
// the job when its terminal message arrives
func (s *Svc) finalize(ctx context.Context, env *envelope.Envelope, failed bool) {
	log := logger.C(ctx)
	var err error
	if failed {
		err = s.tracker.FailJob(ctx, env.JobID)
	} else {
		err = s.tracker.FinishJob(ctx, env.JobID)
	}
	if err != nil {
		log.Error().Err(err).Bool("failed", failed).Msg("job finalize errored")
		return
	}
	log.Info().
		Bool("failed", failed).
		Time("new_watermark", env.NewWatermark).
		Msg("sync job completed")
}
