package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

const DefaultTierCacheTTL = 5 * time.Minute

// TierResolver determina o tier do usuário a partir da assinatura ativa.
type TierResolver struct {
	cache  ports.Cache
	subs   ports.SubscriptionLookup
	clock  clockwork.Clock
	ttl    time.Duration
	logger *zap.Logger
}

func NewTierResolver(cache ports.Cache, subs ports.SubscriptionLookup, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) (*TierResolver, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if subs == nil {
		return nil, fmt.Errorf("subscription lookup is required")
	}
	if ttl <= 0 {
		ttl = DefaultTierCacheTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierResolver{cache: cache, subs: subs, clock: clock, ttl: ttl, logger: logger.Named("tiers")}, nil
}

// Resolve nunca falha: erros do armazenamento durável resultam no tier mais
// restritivo, que não é guardado em cache.
func (r *TierResolver) Resolve(ctx context.Context, callerID string) domain.Tier {
	key := tierKey(callerID)

	cached, err := r.cache.GetString(ctx, key)
	switch {
	case err == nil && cached != "":
		return domain.ParseTier(cached)
	case err != nil && !errors.Is(err, domain.ErrCacheMiss):
		r.logger.Debug("tier cache unavailable", zap.String("caller_id", callerID), zap.Error(err))
	}

	now := r.clock.Now()
	sub, err := r.subs.ActiveSubscription(ctx, callerID, now)
	if err != nil {
		r.logger.Warn("subscription lookup failed, using free tier", zap.String("caller_id", callerID), zap.Error(err))
		return domain.TierFree
	}

	tier := domain.TierFree
	if sub != nil && sub.ActiveAt(now) {
		tier = domain.TierPro
	}

	if err := r.cache.SetString(ctx, key, string(tier), r.ttl); err != nil {
		r.logger.Warn("failed to cache tier", zap.String("caller_id", callerID), zap.Error(err))
	}
	return tier
}

// Invalidate descarta o tier em cache, usado quando a assinatura muda.
func (r *TierResolver) Invalidate(ctx context.Context, callerID string) error {
	return r.cache.Delete(ctx, tierKey(callerID))
}
