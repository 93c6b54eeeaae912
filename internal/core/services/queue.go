package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

// DeferredQueue mantém as ações adiadas no armazenamento durável (fonte de
// verdade) e as espelha em conjuntos ordenados do cache para a drenagem.
type DeferredQueue struct {
	jobs       ports.JobStore
	cache      ports.QueueCache
	maxRetries int
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    *Metrics
}

func NewDeferredQueue(jobs ports.JobStore, cache ports.QueueCache, maxRetries int, clock clockwork.Clock, logger *zap.Logger, metrics *Metrics) (*DeferredQueue, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("queue cache is required")
	}
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeferredQueue{
		jobs:       jobs,
		cache:      cache,
		maxRetries: maxRetries,
		clock:      clock,
		logger:     logger.Named("queue"),
		metrics:    metrics,
	}, nil
}

// Enqueue grava a ação negada. A gravação durável é obrigatória; o espelho no
// cache é melhor esforço.
func (q *DeferredQueue) Enqueue(ctx context.Context, req domain.RecordRequest, tier domain.Tier, reason domain.ReasonCode) (*domain.DeferredAction, error) {
	now := q.clock.Now().UTC()
	job := &domain.DeferredAction{
		ID:               uuid.NewString(),
		CallerID:         req.CallerID,
		AccountID:        req.AccountID,
		Action:           req.Action,
		Payload:          req.Payload,
		ProviderCallCost: req.ProviderCallCost,
		Tier:             tier,
		BasePriority:     domain.ClampPriority(req.Action.BasePriority()),
		Priority:         domain.EffectivePriority(req.Action, tier),
		Status:           domain.JobPending,
		Reason:           reason,
		WindowStart:      domain.WindowAt(now).Start,
		MaxRetries:       q.maxRetries,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(domain.JobRetention),
	}

	if err := q.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist deferred action: %w", err)
	}
	q.mirror(ctx, job)
	return job, nil
}

// mirror coloca o job na fila pronta ou, se ainda não venceu, no conjunto
// atrasado.
func (q *DeferredQueue) mirror(ctx context.Context, job *domain.DeferredAction) {
	var err error
	if job.Due(q.clock.Now()) {
		err = q.cache.Push(ctx, readyQueueKey, job.ID, job.QueueScore())
	} else {
		err = q.cache.Schedule(ctx, delayedQueueKey, job.ID, job.RetryAt, job.QueueScore())
	}
	if err != nil {
		q.metrics.fallback("queue_mirror")
		q.logger.Warn("failed to mirror deferred action", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Claim reivindica até limit jobs vencidos, ordenados para execução. O cache
// é consultado primeiro; o armazenamento durável completa o lote e assume
// sozinho quando o cache está indisponível. Um job reivindicado passa para
// processing e nenhuma outra drenagem o recebe.
func (q *DeferredQueue) Claim(ctx context.Context, limit int) ([]*domain.DeferredAction, error) {
	now := q.clock.Now().UTC()
	claimed := q.claimFromCache(ctx, now, limit)

	if len(claimed) < limit {
		more, err := q.jobs.ClaimPending(ctx, now, limit-len(claimed))
		for _, job := range more {
			q.forget(ctx, job.ID)
		}
		claimed = append(claimed, more...)
		if err != nil && len(claimed) == 0 {
			return nil, fmt.Errorf("failed to claim pending actions: %w", err)
		}
		if err != nil {
			q.logger.Error("durable claim failed", zap.Error(err))
		}
	}

	sort.SliceStable(claimed, func(i, j int) bool { return claimed[i].Before(claimed[j]) })
	return claimed, nil
}

func (q *DeferredQueue) claimFromCache(ctx context.Context, now time.Time, limit int) []*domain.DeferredAction {
	if _, err := q.cache.PromoteDue(ctx, delayedQueueKey, readyQueueKey, now, limit); err != nil {
		q.metrics.fallback("queue_promote")
		q.logger.Warn("failed to promote delayed actions", zap.Error(err))
	}

	ids, err := q.cache.PopMin(ctx, readyQueueKey, limit)
	if err != nil {
		q.metrics.fallback("queue_pop")
		q.logger.Warn("fast queue unavailable, falling back to durable store", zap.Error(err))
		return nil
	}

	claimed := make([]*domain.DeferredAction, 0, len(ids))
	for _, id := range ids {
		job, err := q.jobs.GetJob(ctx, id)
		if errors.Is(err, domain.ErrJobNotFound) {
			continue
		}
		if err != nil {
			q.logger.Error("failed to load deferred action", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if job.Status != domain.JobPending {
			continue
		}
		if !job.Due(now) {
			q.mirror(ctx, job)
			continue
		}

		ok, err := q.jobs.ClaimJob(ctx, id, now)
		if err != nil {
			q.logger.Error("failed to claim deferred action", zap.String("job_id", id), zap.Error(err))
			q.mirror(ctx, job)
			continue
		}
		if !ok {
			continue
		}
		job.Status = domain.JobProcessing
		job.UpdatedAt = now
		claimed = append(claimed, job)
	}
	return claimed
}

// forget remove do cache um job reivindicado pelo caminho durável.
func (q *DeferredQueue) forget(ctx context.Context, id string) {
	for _, key := range []string{readyQueueKey, delayedQueueKey} {
		if err := q.cache.Remove(ctx, key, id); err != nil {
			q.logger.Debug("failed to drop mirrored action", zap.String("job_id", id), zap.Error(err))
			return
		}
	}
}

func (q *DeferredQueue) Complete(ctx context.Context, job *domain.DeferredAction, reason domain.ReasonCode) error {
	job.Status = domain.JobCompleted
	job.Reason = reason
	job.UpdatedAt = q.clock.Now().UTC()
	return q.jobs.SaveJob(ctx, job)
}

// Release devolve à fila um job que não pôde ser admitido, sem consumir
// tentativa.
func (q *DeferredQueue) Release(ctx context.Context, job *domain.DeferredAction, reason domain.ReasonCode) error {
	job.Status = domain.JobPending
	job.Reason = reason
	job.UpdatedAt = q.clock.Now().UTC()
	if err := q.jobs.SaveJob(ctx, job); err != nil {
		return err
	}
	q.mirror(ctx, job)
	return nil
}

// Fail registra uma falha de execução. Abaixo do teto de tentativas o job
// volta como pending após 2^(n-1) minutos; ao atingir o teto fica failed.
// Devolve true quando o job se tornou terminal.
func (q *DeferredQueue) Fail(ctx context.Context, job *domain.DeferredAction, execErr error) (bool, error) {
	now := q.clock.Now().UTC()
	job.RetryCount++
	job.LastError = execErr.Error()
	job.UpdatedAt = now

	terminal := job.RetryCount >= job.MaxRetries
	if terminal {
		job.RetryCount = job.MaxRetries
		job.Status = domain.JobFailed
	} else {
		job.Status = domain.JobPending
		job.Reason = domain.ReasonRetryScheduled
		job.RetryAt = now.Add(Backoff(job.RetryCount))
	}

	if err := q.jobs.SaveJob(ctx, job); err != nil {
		return terminal, err
	}
	if !terminal {
		q.mirror(ctx, job)
	}
	return terminal, nil
}

const maxBackoffShift = 16

// Backoff devolve a espera antes da tentativa de número attempt (1, 2, 4 ... minutos).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	return time.Duration(1<<uint(attempt-1)) * time.Minute
}

// Pending conta os jobs pendentes; callerID vazio conta todos.
func (q *DeferredQueue) Pending(ctx context.Context, callerID string) (int64, error) {
	return q.jobs.CountJobs(ctx, callerID, domain.JobPending)
}

// Rebuild reconstrói o espelho do cache a partir dos jobs pendentes duráveis.
func (q *DeferredQueue) Rebuild(ctx context.Context, limit int) (int, error) {
	jobs, err := q.jobs.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending actions: %w", err)
	}
	for _, job := range jobs {
		q.mirror(ctx, job)
	}
	q.logger.Info("queue mirror rebuilt", zap.Int("jobs", len(jobs)))
	return len(jobs), nil
}

func (q *DeferredQueue) Get(ctx context.Context, id string) (*domain.DeferredAction, error) {
	return q.jobs.GetJob(ctx, id)
}

func (q *DeferredQueue) PurgeExpired(ctx context.Context) (int, error) {
	return q.jobs.PurgeExpiredJobs(ctx, q.clock.Now().UTC())
}
