package ports

import (
	"context"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// QuotaGate é o contrato exposto aos colaboradores (controladores HTTP, jobs).
// Nenhum método devolve erro: falhas viram códigos de motivo.
type QuotaGate interface {
	CanAdmit(ctx context.Context, callerID, accountID string, action domain.ActionType, followCheck bool) domain.Decision
	Record(ctx context.Context, req domain.RecordRequest) domain.RecordResult
	ProcessQueued(ctx context.Context, limit int) domain.DrainResult
	RotateWindow(ctx context.Context) domain.RotationResult
	GetUsageStats(ctx context.Context, callerID string) domain.UsageStats
	IsGlobalLimitReached(ctx context.Context) domain.GlobalLimitStatus
	GetJob(ctx context.Context, id string) (*domain.DeferredAction, error)
	// RefreshTier descarta o tier em cache, usado quando a assinatura muda.
	RefreshTier(ctx context.Context, callerID string) (domain.Tier, error)
}
