package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// GetUsageStats devolve o consumo do usuário na janela atual. Em falha de
// leitura os campos disponíveis são preenchidos e Reason indica o erro.
func (s *QuotaService) GetUsageStats(ctx context.Context, callerID string) domain.UsageStats {
	now := s.clock.Now()
	w := domain.WindowAt(now)
	log := s.logger.With(zap.String("caller_id", callerID), zap.String("window", w.Key))

	tier := s.tiers.Resolve(ctx, callerID)
	stats := domain.UsageStats{
		CallerID:  callerID,
		Tier:      tier,
		Limit:     s.cfg.Limits.Tiers.For(tier),
		Window:    w,
		NextReset: w.End,
	}

	usage, err := s.store.GetUserUsage(ctx, callerID, w.Start)
	if err != nil {
		log.Warn("failed to load usage document", zap.Error(err))
		stats.Reason = domain.ReasonSystemError
	} else if usage != nil {
		stats.Accounts = usage.Accounts
		stats.Used = usage.TotalCalls
	}

	used, err := s.counters.User(ctx, callerID, w)
	if err != nil {
		log.Warn("failed to read user counter", zap.Error(err))
		stats.Reason = domain.ReasonSystemError
	} else if used > stats.Used {
		stats.Used = used
	}

	if queued, err := s.queue.Pending(ctx, callerID); err != nil {
		log.Warn("failed to count queued actions", zap.Error(err))
		stats.Reason = domain.ReasonSystemError
	} else {
		stats.QueuedItems = queued
	}

	stats.Remaining = stats.Limit - stats.Used
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	stats.Percentage = domain.Percentage(stats.Used, stats.Limit)
	return stats
}

// IsGlobalLimitReached informa o consumo global da janela atual. Sem leitura
// possível o limite é dado como atingido.
func (s *QuotaService) IsGlobalLimitReached(ctx context.Context) domain.GlobalLimitStatus {
	w := domain.WindowAt(s.clock.Now())
	limit := s.cfg.Limits.Global

	current, err := s.counters.Global(ctx, w)
	if err != nil {
		s.logger.Error("failed to read global counter", zap.String("window", w.Key), zap.Error(err))
		return domain.GlobalLimitStatus{Reached: true, Limit: limit, Percentage: 100, Reason: domain.ReasonSystemError}
	}

	status := domain.GlobalLimitStatus{
		Reached:    current >= limit,
		Current:    current,
		Limit:      limit,
		Percentage: domain.Percentage(current, limit),
	}
	if status.Reached {
		status.Reason = domain.ReasonAppGlobalLimit
	}
	return status
}
