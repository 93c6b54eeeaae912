package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// DefaultDrainBatch limita quantos jobs uma drenagem reivindica.
const DefaultDrainBatch = 100

// processQueued reivindica até limit jobs e reavalia a admissão de cada um, na
// ordem (tier, prioridade base, criação). Jobs negados voltam à fila sem
// consumir tentativa.
func (s *QuotaService) processQueued(ctx context.Context, limit int) domain.DrainResult {
	if limit <= 0 {
		limit = s.cfg.DrainBatch
	}
	log := s.logger.With(zap.Int("limit", limit))

	var result domain.DrainResult
	jobs, err := s.queue.Claim(ctx, limit)
	if err != nil {
		log.Error("failed to claim deferred actions", zap.Error(err))
		result.Remaining = s.remaining(ctx)
		return result
	}

	for _, job := range jobs {
		switch s.runJob(ctx, job) {
		case "completed":
			result.Processed++
		case "retry", "failed":
			result.Failed++
		default:
			result.Skipped++
		}
	}

	result.Remaining = s.remaining(ctx)
	if len(jobs) > 0 {
		log.Info("queue drained",
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
			zap.Int64("remaining", result.Remaining),
		)
	}
	return result
}

// runJob executa um job reivindicado e devolve o desfecho para as métricas.
func (s *QuotaService) runJob(ctx context.Context, job *domain.DeferredAction) string {
	log := s.logger.With(
		zap.String("job_id", job.ID),
		zap.String("caller_id", job.CallerID),
		zap.String("action", string(job.Action)),
	)
	outcome := s.attempt(ctx, log, job)
	s.metrics.drainOutcome(outcome)
	return outcome
}

func (s *QuotaService) attempt(ctx context.Context, log *zap.Logger, job *domain.DeferredAction) string {
	d := s.admission.Check(ctx, job.CallerID, job.AccountID, job.Action, job.Action.IsFollowCheck())
	if d.Reason == domain.ReasonFreeSkipFollowCheck {
		if err := s.queue.Complete(ctx, job, d.Reason); err != nil {
			log.Error("failed to complete skipped action", zap.Error(err))
		}
		return "skipped"
	}
	if !d.Allowed {
		s.release(ctx, log, job, d.Reason)
		return "deferred"
	}

	req := domain.RecordRequest{
		CallerID:         job.CallerID,
		AccountID:        job.AccountID,
		Action:           job.Action,
		ProviderCallCost: job.ProviderCallCost,
		Payload:          job.Payload,
	}
	overshoot, err := s.recorder.consume(ctx, req, d.Tier, d.Limit)
	if err != nil {
		log.Warn("counter increment failed, releasing action", zap.Error(err))
		s.release(ctx, log, job, domain.ReasonRedisError)
		return "deferred"
	}
	if overshoot != domain.ReasonNone {
		s.release(ctx, log, job, overshoot)
		return "deferred"
	}

	if err := s.executors.Execute(ctx, job); err != nil {
		terminal, saveErr := s.queue.Fail(ctx, job, err)
		if saveErr != nil {
			log.Error("failed to persist action failure", zap.Error(saveErr))
		}
		if terminal {
			log.Error("deferred action failed permanently", zap.Int("retries", job.RetryCount), zap.Error(err))
			return "failed"
		}
		log.Warn("deferred action failed, retry scheduled", zap.Int("retry_count", job.RetryCount), zap.Time("retry_at", job.RetryAt), zap.Error(err))
		return "retry"
	}

	if err := s.queue.Complete(ctx, job, domain.ReasonNone); err != nil {
		log.Error("failed to mark action completed", zap.Error(err))
	}
	return "completed"
}

func (s *QuotaService) release(ctx context.Context, log *zap.Logger, job *domain.DeferredAction, reason domain.ReasonCode) {
	if err := s.queue.Release(ctx, job, reason); err != nil {
		log.Error("failed to release deferred action", zap.String("reason", string(reason)), zap.Error(err))
	}
}

func (s *QuotaService) remaining(ctx context.Context) int64 {
	n, err := s.queue.Pending(ctx, "")
	if err != nil {
		s.logger.Warn("failed to count pending actions", zap.Error(err))
		return 0
	}
	return n
}
