package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

// CallRecorder contabiliza chamadas admitidas e adia as negadas.
type CallRecorder struct {
	admission *AdmissionChecker
	counters  *CounterStore
	queue     *DeferredQueue
	cache     ports.Cache
	accounts  ports.AccountRegistry
	limits    Limits
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *Metrics
}

func NewCallRecorder(admission *AdmissionChecker, counters *CounterStore, queue *DeferredQueue, cache ports.Cache, accounts ports.AccountRegistry, limits Limits, clock clockwork.Clock, logger *zap.Logger, metrics *Metrics) (*CallRecorder, error) {
	if admission == nil || counters == nil || queue == nil {
		return nil, fmt.Errorf("admission, counters and queue are required")
	}
	if cache == nil || accounts == nil {
		return nil, fmt.Errorf("cache and account registry are required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CallRecorder{
		admission: admission,
		counters:  counters,
		queue:     queue,
		cache:     cache,
		accounts:  accounts,
		limits:    limits.withDefaults(),
		clock:     clock,
		logger:    logger.Named("recorder"),
		metrics:   metrics,
	}, nil
}

func (r *CallRecorder) Record(ctx context.Context, req domain.RecordRequest) domain.RecordResult {
	log := r.logger.With(
		zap.String("caller_id", req.CallerID),
		zap.String("account_id", req.AccountID),
		zap.String("action", string(req.Action)),
	)
	if !req.Action.Valid() || req.CallerID == "" {
		log.Warn("rejecting malformed record request")
		r.metrics.recordOutcome("rejected", domain.ReasonSystemError)
		return domain.RecordResult{Reason: domain.ReasonSystemError}
	}
	if req.ProviderCallCost < 0 {
		req.ProviderCallCost = 0
	}

	d := r.admission.Check(ctx, req.CallerID, req.AccountID, req.Action, req.Action.IsFollowCheck())
	if !d.Allowed {
		// Pular a verificação de seguidor é política, não falta de cota: nada a adiar.
		if d.Reason == domain.ReasonFreeSkipFollowCheck {
			r.metrics.recordOutcome("skipped", d.Reason)
			return domain.RecordResult{Reason: d.Reason, Tier: d.Tier, Remaining: d.Remaining}
		}
		return r.deferCall(ctx, log, req, d.Tier, d.Reason, d.Remaining)
	}

	overshoot, err := r.consume(ctx, req, d.Tier, d.Limit)
	if err != nil {
		log.Error("fast counter increment failed, deferring call", zap.Error(err))
		r.metrics.fallback("record_increment")
		return r.deferCall(ctx, log, req, d.Tier, domain.ReasonRedisError, d.Remaining)
	}
	if overshoot != domain.ReasonNone {
		return r.deferCall(ctx, log, req, d.Tier, overshoot, 0)
	}

	r.metrics.recordOutcome("admitted", domain.ReasonNone)
	remaining := d.Remaining - 1
	if remaining < 0 {
		remaining = 0
	}
	return domain.RecordResult{Admitted: true, Tier: d.Tier, Remaining: remaining}
}

func (r *CallRecorder) deferCall(ctx context.Context, log *zap.Logger, req domain.RecordRequest, tier domain.Tier, reason domain.ReasonCode, remaining int64) domain.RecordResult {
	if remaining < 0 || reason == domain.ReasonUserTierLimit {
		remaining = 0
	}
	job, err := r.queue.Enqueue(ctx, req, tier, reason)
	if err != nil {
		log.Error("failed to enqueue deferred action", zap.String("reason", string(reason)), zap.Error(err))
		r.metrics.recordOutcome("dropped", reason)
		return domain.RecordResult{Reason: reason, Tier: tier, Remaining: remaining}
	}
	log.Info("call deferred", zap.String("job_id", job.ID), zap.String("reason", string(reason)), zap.Int("priority", job.Priority))
	r.metrics.recordOutcome("queued", reason)
	return domain.RecordResult{Queued: true, JobID: job.ID, Reason: reason, Tier: tier, Remaining: remaining}
}

// consume incrementa em paralelo os contadores do usuário, global e da conta
// e agenda o espelho durável. Se outro escritor concorrente esgotou a cota
// entre a admissão e o incremento, os incrementos são desfeitos e o motivo é
// devolvido. Falhas parciais não são desfeitas: a contagem erra para cima.
func (r *CallRecorder) consume(ctx context.Context, req domain.RecordRequest, tier domain.Tier, limit int64) (domain.ReasonCode, error) {
	now := r.clock.Now().UTC()
	w := domain.WindowAt(now)
	withAccount := req.ProviderCallCost > 0 && req.AccountID != ""

	var userCalls, globalCalls, accountCalls int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.counters.IncrementUser(gctx, req.CallerID, w, 1)
		userCalls = n
		return err
	})
	g.Go(func() error {
		n, err := r.counters.IncrementGlobal(gctx, w, 1)
		globalCalls = n
		return err
	})
	if withAccount {
		g.Go(func() error {
			n, err := r.counters.IncrementAccount(gctx, req.AccountID, w, req.ProviderCallCost)
			accountCalls = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return domain.ReasonNone, err
	}

	var overshoot domain.ReasonCode
	switch {
	case globalCalls > r.limits.Global:
		overshoot = domain.ReasonAppGlobalLimit
	case userCalls > limit:
		overshoot = domain.ReasonUserTierLimit
	}
	if overshoot != domain.ReasonNone {
		r.counters.Undo(ctx, req.CallerID, req.AccountID, w, 1, req.ProviderCallCost)
		return overshoot, nil
	}

	if accountCalls >= domain.ProviderHourlyCeiling && accountCalls-req.ProviderCallCost < domain.ProviderHourlyCeiling {
		r.markProviderLimited(ctx, req.AccountID, w)
	}

	r.counters.Mirror(domain.UsageIncrement{
		CallerID:    req.CallerID,
		AccountID:   req.AccountID,
		AccountName: req.AccountName,
		Window:      w,
		Tier:        tier,
		TierLimit:   limit,
		Calls:       1,
		At:          now,
	}, r.limits.Global, req.ProviderCallCost)
	return domain.ReasonNone, nil
}

// markProviderLimited grava o marcador fixo até o fim da janela e a flag na
// conta. Ambos são melhor esforço.
func (r *CallRecorder) markProviderLimited(ctx context.Context, accountID string, w domain.Window) {
	now := r.clock.Now()
	log := r.logger.With(zap.String("account_id", accountID), zap.String("window", w.Key))
	if err := r.cache.SetBlock(ctx, limitedKey(accountID), w.End.Sub(now)); err != nil {
		log.Warn("failed to set provider marker", zap.Error(err))
	}
	if err := r.accounts.MarkRateLimited(ctx, accountID, w.End); err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
		log.Warn("failed to flag account as rate limited", zap.Error(err))
	}
	log.Info("provider ceiling reached")
}
