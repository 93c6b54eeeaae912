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

// Limits agrega os limites configuráveis por janela.
type Limits struct {
	Global int64
	Tiers  domain.TierLimits
}

const (
	DefaultGlobalLimit int64 = 10000
	DefaultFreeLimit   int64 = 100
	DefaultProLimit    int64 = 1000
)

func (l Limits) withDefaults() Limits {
	if l.Global <= 0 {
		l.Global = DefaultGlobalLimit
	}
	if l.Tiers.Free <= 0 {
		l.Tiers.Free = DefaultFreeLimit
	}
	if l.Tiers.Pro <= 0 {
		l.Tiers.Pro = DefaultProLimit
	}
	return l
}

// AdmissionChecker avalia, em ordem fixa, o limite global, o do tier e o do
// provedor. Qualquer falha de leitura resulta em negação.
type AdmissionChecker struct {
	counters *CounterStore
	tiers    *TierResolver
	cache    ports.Cache
	accounts ports.AccountRegistry
	limits   Limits
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *Metrics
}

func NewAdmissionChecker(counters *CounterStore, tiers *TierResolver, cache ports.Cache, accounts ports.AccountRegistry, limits Limits, clock clockwork.Clock, logger *zap.Logger, metrics *Metrics) (*AdmissionChecker, error) {
	if counters == nil || tiers == nil {
		return nil, fmt.Errorf("counters and tier resolver are required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if accounts == nil {
		return nil, fmt.Errorf("account registry is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdmissionChecker{
		counters: counters,
		tiers:    tiers,
		cache:    cache,
		accounts: accounts,
		limits:   limits.withDefaults(),
		clock:    clock,
		logger:   logger.Named("admission"),
		metrics:  metrics,
	}, nil
}

func (a *AdmissionChecker) Check(ctx context.Context, callerID, accountID string, action domain.ActionType, followCheck bool) domain.Decision {
	started := time.Now()
	d := a.check(ctx, callerID, accountID, action, followCheck)
	a.metrics.observeDecision(d, time.Since(started).Seconds())
	return d
}

func (a *AdmissionChecker) check(ctx context.Context, callerID, accountID string, action domain.ActionType, followCheck bool) domain.Decision {
	now := a.clock.Now()
	w := domain.WindowAt(now)
	log := a.logger.With(zap.String("caller_id", callerID), zap.String("account_id", accountID), zap.String("window", w.Key))

	tier := a.tiers.Resolve(ctx, callerID)
	limit := a.limits.Tiers.For(tier)
	// Só negações de conta e de política preservam o saldo do chamador.
	deny := func(reason domain.ReasonCode, used int64) domain.Decision {
		d := domain.Decision{Reason: reason, Tier: tier, Limit: limit, Used: used}
		if reason == domain.ReasonMetaRateLimit || reason == domain.ReasonFreeSkipFollowCheck {
			d.Remaining = limit - used
		}
		return d
	}

	global, err := a.counters.Global(ctx, w)
	if err != nil {
		log.Error("global counter read failed", zap.Error(err))
		return deny(domain.ReasonSystemError, 0)
	}
	if global >= a.limits.Global {
		return deny(domain.ReasonAppGlobalLimit, 0)
	}

	used, err := a.counters.User(ctx, callerID, w)
	if err != nil {
		log.Error("user counter read failed", zap.Error(err))
		return deny(domain.ReasonSystemError, 0)
	}
	if used >= limit {
		return deny(domain.ReasonUserTierLimit, used)
	}

	if accountID != "" {
		if reason, err := a.checkProvider(ctx, accountID, w, now); err != nil {
			log.Error("provider limit check failed", zap.Error(err))
			return deny(domain.ReasonSystemError, used)
		} else if reason != domain.ReasonNone {
			return deny(reason, used)
		}

		if tier == domain.TierFree && (followCheck || action.IsFollowCheck()) {
			skip, err := a.skipsFollowCheck(ctx, accountID)
			if err != nil {
				log.Error("account lookup failed", zap.Error(err))
				return deny(domain.ReasonSystemError, used)
			}
			if skip {
				return deny(domain.ReasonFreeSkipFollowCheck, used)
			}
		}
	}

	return domain.Decision{
		Allowed:   true,
		Tier:      tier,
		Limit:     limit,
		Used:      used,
		Remaining: limit - used,
	}
}

// checkProvider consulta o marcador fixo antes do contador; o marcador é
// gravado quando o teto é confirmado pela flag da conta.
func (a *AdmissionChecker) checkProvider(ctx context.Context, accountID string, w domain.Window, now time.Time) (domain.ReasonCode, error) {
	limited, err := a.cache.IsBlocked(ctx, limitedKey(accountID))
	if err != nil {
		return domain.ReasonNone, err
	}
	if limited {
		return domain.ReasonMetaRateLimit, nil
	}

	calls, err := a.counters.Account(ctx, accountID, w)
	if err != nil {
		return domain.ReasonNone, err
	}
	if calls < domain.ProviderHourlyCeiling {
		return domain.ReasonNone, nil
	}

	account, err := a.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return domain.ReasonNone, nil
	}
	if err != nil {
		return domain.ReasonNone, err
	}
	if !account.LimitedAt(now) {
		return domain.ReasonNone, nil
	}

	until := w.End
	if !account.RateLimitResetAt.IsZero() {
		until = account.RateLimitResetAt
	}
	if err := a.cache.SetBlock(ctx, limitedKey(accountID), until.Sub(now)); err != nil {
		a.logger.Warn("failed to set provider marker", zap.String("account_id", accountID), zap.Error(err))
	}
	return domain.ReasonMetaRateLimit, nil
}

func (a *AdmissionChecker) skipsFollowCheck(ctx context.Context, accountID string) (bool, error) {
	account, err := a.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return account.SkipFollowCheckForFree, nil
}
