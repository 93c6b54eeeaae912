package ports

import (
	"context"
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// SubscriptionLookup devolve a assinatura paga ativa do usuário, ou nil.
type SubscriptionLookup interface {
	ActiveSubscription(ctx context.Context, callerID string, now time.Time) (*domain.Subscription, error)
}

// AccountRegistry expõe a fatia da conta externa tocada por este núcleo.
type AccountRegistry interface {
	GetAccount(ctx context.Context, accountID string) (*domain.ExternalAccount, error)
	ListAccountIDs(ctx context.Context) ([]string, error)
	IncrementProviderCalls(ctx context.Context, accountID string, by int64) error
	MarkRateLimited(ctx context.Context, accountID string, until time.Time) error
	ResetRateLimit(ctx context.Context, accountID string) error
}

// Executor executa uma ação adiada no provedor.
type Executor interface {
	Execute(ctx context.Context, accountID, callerID string, payload map[string]any) error
}
