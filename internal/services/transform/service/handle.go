package service

import (
	"context"
	"encoding/json"

	"pulse/internal/core/envelope"
	"pulse/internal/core/paging"
	perr "pulse/internal/platform/errors"
	"pulse/internal/platform/logger"
	"pulse/internal/platform/queue"
	jdom "pulse/internal/services/jobs/domain"
	tdom "pulse/internal/services/transform/domain"
)

func (s *Svc) handle(ctx context.Context, m queue.Message) {
	env, err := envelope.Decode(m.Payload, envelope.StageTransform)
	if err != nil {
		s.log.Error().Err(err).Int64("msg_id", m.ID).Msg("bad transform message dropped")
		_ = s.queues.Ack(ctx, m.ID)
		return
	}
	ctx = logger.WithJob(ctx, env.JobID, env.TenantID, env.Token)
	log := logger.C(ctx)

	if !s.current(ctx, env) {
		log.Warn().Str("item_type", env.ItemType).Msg("stale transform message dropped")
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
				log.Warn().Err(err).Dur("backoff", back).Msg("transform retrying")
				return
			}
			// retries exhausted; the dead-lettered message must still resolve
			// the job through the failure path
			log.Error().Err(err).Int64("msg_id", m.ID).Msg("transform retries exhausted")
			s.fail(ctx, env, err)
			return
		}
		s.fail(ctx, env, err)
	}
	_ = s.queues.Ack(ctx, m.ID)
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
	// failure completions pass through untouched; the embedding stage
	// finalizes the job
	if env.Failed {
		return s.emit(ctx, env.Forward())
	}

	if err := s.tracker.MarkStepRunning(ctx, env.JobID, env.Step, string(envelope.StageTransform)); err != nil {
		return err
	}
	if env.Flags.FirstItem {
		// the first unit of the whole job is the "sync started" signal
		logger.C(ctx).Info().Str("step", env.Step).Str("item_type", env.ItemType).Msg("sync started")
	}

	out := env.Forward()
	if env.RawID != nil {
		ent, err := s.normalizeItem(ctx, env)
		if err != nil {
			return err
		}
		if err := s.repo.Upsert(ctx, ent); err != nil {
			return err
		}
		out.EntityKey = ent.ExternalID
	}

	// the step closes before the last message moves on so status readers
	// never see the stage open after its final unit is downstream
	if env.Flags.LastItem {
		if err := s.tracker.MarkStepFinished(ctx, env.JobID, env.Step, string(envelope.StageTransform)); err != nil {
			return err
		}
	}
	return s.emit(ctx, out)
}

func (s *Svc) normalizeItem(ctx context.Context, env *envelope.Envelope) (tdom.Entity, error) {
	_, payload, err := s.blobs.Get(ctx, *env.RawID)
	if err != nil {
		return tdom.Entity{}, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return tdom.Entity{}, perr.Wrap(err, perr.ErrorCodeProtocol, "raw page decode")
	}
	if env.ItemIndex < 0 || env.ItemIndex >= len(items) {
		return tdom.Entity{}, perr.Protocolf("item index %d out of range (%d items)", env.ItemIndex, len(items))
	}
	return Normalize(env.ItemType, env.TenantID, items[env.ItemIndex])
}

func (s *Svc) fail(ctx context.Context, env *envelope.Envelope, cause error) {
	log := logger.C(ctx)
	log.Error().Err(cause).Str("step", env.Step).Msg("transform failed permanently")

	if err := s.tracker.MarkStepFailed(ctx, env.JobID, env.Step, string(envelope.StageTransform)); err != nil {
		log.Error().Err(err).Msg("mark step failed errored")
	}

	out := env.Forward()
	out.ItemType = envelope.ItemTypeCompletion
	out.RawID = nil
	out.ItemIndex = 0
	out.EntityKey = ""
	out.Failed = true
	out.Flags = paging.FailureFlags()
	if err := s.emit(ctx, out); err != nil {
		log.Error().Err(err).Msg("emit failure completion errored")
	}
}

func (s *Svc) emit(ctx context.Context, e *envelope.Envelope) error {
	b, err := e.Encode()
	if err != nil {
		return err
	}
	return s.queues.Enqueue(ctx, queue.ChannelEmbedding, b)
}
