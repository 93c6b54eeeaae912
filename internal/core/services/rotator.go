package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// rotateWindow fecha a janela anterior e abre a atual. Cada etapa registra a
// falha e segue. Uma segunda chamada na mesma janela não repete os resets.
func (s *QuotaService) rotateWindow(ctx context.Context) domain.RotationResult {
	now := s.clock.Now().UTC()
	current := domain.WindowAt(now)
	previous := current.Previous()
	log := s.logger.With(zap.String("window", current.Key), zap.String("previous", previous.Key))
	result := domain.RotationResult{Success: true, Window: current}

	state, err := s.store.GetGlobalWindow(ctx, current.Start)
	if err != nil {
		log.Error("failed to load current window state", zap.Error(err))
		result.Success = false
	}
	if state != nil && !state.RotatedAt.IsZero() {
		log.Info("window already rotated", zap.Time("rotated_at", state.RotatedAt))
		result.Repeated = true
		result.ResetAccounts = state.AccountsProcessed
		s.metrics.rotation("repeated")
		return result
	}

	if err := s.closeWindow(ctx, previous, now); err != nil {
		log.Error("failed to close previous window", zap.Error(err))
		result.Success = false
	}

	drained := s.processQueued(ctx, s.cfg.DrainBatch)
	result.Processed = drained.Processed

	ids, err := s.accounts.ListAccountIDs(ctx)
	if err != nil {
		log.Error("failed to list external accounts", zap.Error(err))
		result.Success = false
	}
	for _, id := range ids {
		if err := s.resetAccount(ctx, id, current, previous); err != nil {
			log.Warn("failed to reset account limits", zap.String("account_id", id), zap.Error(err))
			result.Success = false
			continue
		}
		result.ResetAccounts++
	}

	opened := &domain.GlobalWindowState{
		WindowStart:       current.Start,
		WindowKey:         current.Key,
		Label:             current.Label,
		GlobalLimit:       s.cfg.Limits.Global,
		AccountsProcessed: len(ids),
		Status:            domain.WindowActive,
		RotatedAt:         now,
	}
	if err := s.store.SaveGlobalWindow(ctx, opened); err != nil {
		log.Error("failed to open window", zap.Error(err))
		result.Success = false
	}

	purged, err := s.counters.Purge(ctx, previous)
	if err != nil {
		log.Warn("failed to purge closed window counters", zap.Error(err))
		result.Success = false
	}

	if result.Success {
		s.metrics.rotation("success")
	} else {
		s.metrics.rotation("partial")
	}
	log.Info("window rotated",
		zap.Bool("success", result.Success),
		zap.Int("processed", result.Processed),
		zap.Int("reset_accounts", result.ResetAccounts),
		zap.Int("purged_keys", purged),
	)
	return result
}

func (s *QuotaService) closeWindow(ctx context.Context, w domain.Window, now time.Time) error {
	state, err := s.store.GetGlobalWindow(ctx, w.Start)
	if err != nil {
		return err
	}
	if state == nil {
		state = &domain.GlobalWindowState{
			WindowStart: w.Start,
			WindowKey:   w.Key,
			Label:       w.Label,
			GlobalLimit: s.cfg.Limits.Global,
		}
	}
	if state.Status == domain.WindowCompleted {
		return nil
	}
	state.Status = domain.WindowCompleted
	state.CompletedAt = now
	return s.store.SaveGlobalWindow(ctx, state)
}

// resetAccount limpa o marcador fixo, os contadores efêmeros e a flag
// durável da conta.
func (s *QuotaService) resetAccount(ctx context.Context, accountID string, current, previous domain.Window) error {
	if err := s.accounts.ResetRateLimit(ctx, accountID); err != nil {
		return err
	}
	if err := s.counters.ResetAccount(ctx, accountID, current); err != nil {
		return err
	}
	return s.counters.ResetAccount(ctx, accountID, previous)
}
