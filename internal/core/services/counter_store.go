package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

const (
	// counterGrace mantém o contador vivo um pouco além do fim da janela
	// para leituras atrasadas da rotação.
	counterGrace  = 5 * time.Minute
	mirrorTimeout = 5 * time.Second
)

// CounterStore combina o cache rápido com o armazenamento durável. Leituras
// e incrementos vão ao cache; toda mutação é espelhada de forma assíncrona no
// armazenamento durável, que serve para reconstruir o cache após perda.
type CounterStore struct {
	cache    ports.Cache
	usage    ports.UsageStore
	accounts ports.AccountRegistry
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *Metrics
	inflight sync.WaitGroup
}

func NewCounterStore(cache ports.Cache, usage ports.UsageStore, accounts ports.AccountRegistry, clock clockwork.Clock, logger *zap.Logger, metrics *Metrics) (*CounterStore, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if usage == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CounterStore{
		cache:    cache,
		usage:    usage,
		accounts: accounts,
		clock:    clock,
		logger:   logger.Named("counters"),
		metrics:  metrics,
	}, nil
}

func (c *CounterStore) ttl(w domain.Window) time.Duration {
	return w.TTL(c.clock.Now(), counterGrace)
}

func (c *CounterStore) Global(ctx context.Context, w domain.Window) (int64, error) {
	return c.read(ctx, globalKey(w), w, func(ctx context.Context) (int64, error) {
		return c.durableGlobal(ctx, w)
	})
}

func (c *CounterStore) User(ctx context.Context, callerID string, w domain.Window) (int64, error) {
	return c.read(ctx, userKey(callerID, w), w, func(ctx context.Context) (int64, error) {
		return c.durableUser(ctx, callerID, w)
	})
}

func (c *CounterStore) Account(ctx context.Context, accountID string, w domain.Window) (int64, error) {
	return c.read(ctx, accountKey(accountID, w), w, func(ctx context.Context) (int64, error) {
		return c.durableAccount(ctx, accountID)
	})
}

func (c *CounterStore) IncrementGlobal(ctx context.Context, w domain.Window, by int64) (int64, error) {
	return c.increment(ctx, globalKey(w), w, by, func(ctx context.Context) (int64, error) {
		return c.durableGlobal(ctx, w)
	})
}

func (c *CounterStore) IncrementUser(ctx context.Context, callerID string, w domain.Window, by int64) (int64, error) {
	return c.increment(ctx, userKey(callerID, w), w, by, func(ctx context.Context) (int64, error) {
		return c.durableUser(ctx, callerID, w)
	})
}

func (c *CounterStore) IncrementAccount(ctx context.Context, accountID string, w domain.Window, by int64) (int64, error) {
	return c.increment(ctx, accountKey(accountID, w), w, by, func(ctx context.Context) (int64, error) {
		return c.durableAccount(ctx, accountID)
	})
}

// read devolve o valor do cache; numa ausência consulta o armazenamento
// durável e semeia o cache sem sobrescrever escritas concorrentes.
func (c *CounterStore) read(ctx context.Context, key string, w domain.Window, fromDurable func(context.Context) (int64, error)) (int64, error) {
	v, err := c.cache.Get(ctx, key)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, domain.ErrCacheMiss) {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}

	durable, err := fromDurable(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", key, err)
	}
	if durable > 0 {
		if err := c.cache.SeedIfAbsent(ctx, key, durable, c.ttl(w)); err != nil {
			c.logger.Warn("failed to seed counter", zap.String("key", key), zap.Error(err))
		} else if v, err := c.cache.Get(ctx, key); err == nil {
			return v, nil
		}
	}
	return durable, nil
}

// increment é atômico no cache. Uma chave ausente é semeada antes com o valor
// durável (SETNX), de modo que escritores concorrentes não somam o histórico
// duas vezes.
func (c *CounterStore) increment(ctx context.Context, key string, w domain.Window, by int64, fromDurable func(context.Context) (int64, error)) (int64, error) {
	_, err := c.cache.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrCacheMiss):
		durable, derr := fromDurable(ctx)
		if derr != nil {
			c.logger.Warn("failed to recover counter from durable store", zap.String("key", key), zap.Error(derr))
			break
		}
		if durable > 0 {
			if err := c.cache.SeedIfAbsent(ctx, key, durable, c.ttl(w)); err != nil {
				return 0, fmt.Errorf("seed %s: %w", key, err)
			}
			c.metrics.fallback("counter_recovery")
		}
	case err != nil:
		return 0, fmt.Errorf("read %s: %w", key, err)
	}

	v, err := c.cache.Increment(ctx, key, by, c.ttl(w))
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return v, nil
}

func (c *CounterStore) durableGlobal(ctx context.Context, w domain.Window) (int64, error) {
	state, err := c.usage.GetGlobalWindow(ctx, w.Start)
	if err != nil || state == nil {
		return 0, err
	}
	return state.GlobalCalls, nil
}

func (c *CounterStore) durableUser(ctx context.Context, callerID string, w domain.Window) (int64, error) {
	usage, err := c.usage.GetUserUsage(ctx, callerID, w.Start)
	if err != nil || usage == nil {
		return 0, err
	}
	return usage.TotalCalls, nil
}

func (c *CounterStore) durableAccount(ctx context.Context, accountID string) (int64, error) {
	if c.accounts == nil {
		return 0, nil
	}
	account, err := c.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, domain.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.ProviderCallCount, nil
}

// Mirror grava o incremento no armazenamento durável em segundo plano. Falhas
// são registradas e não propagadas.
func (c *CounterStore) Mirror(inc domain.UsageIncrement, globalLimit, providerCost int64) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()

		fields := []zap.Field{
			zap.String("caller_id", inc.CallerID),
			zap.String("account_id", inc.AccountID),
			zap.String("window", inc.Window.Key),
		}
		if err := c.usage.RecordUsage(ctx, inc); err != nil {
			c.metrics.mirrorFailed()
			c.logger.Error("failed to mirror user usage", append(fields, zap.Error(err))...)
		}
		if err := c.usage.IncrementGlobalCalls(ctx, inc.Window, globalLimit, inc.Calls); err != nil {
			c.metrics.mirrorFailed()
			c.logger.Error("failed to mirror global usage", append(fields, zap.Error(err))...)
		}
		if providerCost > 0 && c.accounts != nil && inc.AccountID != "" {
			if err := c.accounts.IncrementProviderCalls(ctx, inc.AccountID, providerCost); err != nil && !errors.Is(err, domain.ErrAccountNotFound) {
				c.metrics.mirrorFailed()
				c.logger.Error("failed to mirror provider calls", append(fields, zap.Error(err))...)
			}
		}
	}()
}

// Undo desfaz um incremento que ultrapassou o limite. Falhas apenas deixam a
// contagem acima do real.
func (c *CounterStore) Undo(ctx context.Context, callerID, accountID string, w domain.Window, calls, providerCost int64) {
	keys := map[string]int64{userKey(callerID, w): calls, globalKey(w): calls}
	if providerCost > 0 && accountID != "" {
		keys[accountKey(accountID, w)] = providerCost
	}
	for key, by := range keys {
		if _, err := c.cache.Increment(ctx, key, -by, c.ttl(w)); err != nil {
			c.logger.Warn("failed to undo counter increment", zap.String("key", key), zap.Error(err))
		}
	}
}

// Flush aguarda as escritas duráveis pendentes.
func (c *CounterStore) Flush() {
	c.inflight.Wait()
}

// Purge remove os contadores efêmeros de uma janela encerrada.
func (c *CounterStore) Purge(ctx context.Context, w domain.Window) (int, error) {
	var errs []error
	purged := 0
	if err := c.cache.Delete(ctx, globalKey(w)); err != nil {
		errs = append(errs, err)
	} else {
		purged++
	}
	for _, pattern := range []string{userPattern(w), accountPattern(w)} {
		n, err := c.cache.DeleteMatching(ctx, pattern)
		purged += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return purged, errors.Join(errs...)
}

// ResetAccount zera o contador do provedor da conta na janela informada.
func (c *CounterStore) ResetAccount(ctx context.Context, accountID string, w domain.Window) error {
	return c.cache.Delete(ctx, accountKey(accountID, w), limitedKey(accountID))
}
