// Package services implementa o núcleo de controle de cotas: admissão,
// contabilização, fila de ações adiadas e rotação de janelas.
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

// Config agrega os parâmetros do serviço de cotas.
type Config struct {
	Limits         Limits
	MaxRetries     int
	DrainBatch     int
	TierCacheTTL   time.Duration
	UsageRetention time.Duration
}

const DefaultUsageRetention = 90 * 24 * time.Hour

// Deps reúne os colaboradores injetados no serviço.
type Deps struct {
	Cache         ports.Cache
	Queue         ports.QueueCache
	Store         ports.DurableStore
	Subscriptions ports.SubscriptionLookup
	Accounts      ports.AccountRegistry
	Executors     Executors
	Clock         clockwork.Clock
	Logger        *zap.Logger
	Metrics       *Metrics
}

// QuotaService expõe as operações públicas do núcleo. Nenhuma delas devolve
// erro de infraestrutura: falhas viram códigos de motivo.
type QuotaService struct {
	cfg       Config
	store     ports.DurableStore
	accounts  ports.AccountRegistry
	executors Executors
	counters  *CounterStore
	tiers     *TierResolver
	admission *AdmissionChecker
	recorder  *CallRecorder
	queue     *DeferredQueue
	clock     clockwork.Clock
	logger    *zap.Logger
	metrics   *Metrics
}

var _ ports.QuotaGate = (*QuotaService)(nil)

func NewQuotaService(deps Deps, cfg Config) (*QuotaService, error) {
	if deps.Cache == nil || deps.Queue == nil {
		return nil, fmt.Errorf("fast store is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	if deps.Subscriptions == nil || deps.Accounts == nil {
		return nil, fmt.Errorf("subscription lookup and account registry are required")
	}
	if err := deps.Executors.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}

	cfg.Limits = cfg.Limits.withDefaults()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.UsageRetention <= 0 {
		cfg.UsageRetention = DefaultUsageRetention
	}

	logger := deps.Logger.Named("quota")

	counters, err := NewCounterStore(deps.Cache, deps.Store, deps.Accounts, deps.Clock, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}
	tiers, err := NewTierResolver(deps.Cache, deps.Subscriptions, cfg.TierCacheTTL, deps.Clock, logger)
	if err != nil {
		return nil, err
	}
	admission, err := NewAdmissionChecker(counters, tiers, deps.Cache, deps.Accounts, cfg.Limits, deps.Clock, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}
	queue, err := NewDeferredQueue(deps.Store, deps.Queue, cfg.MaxRetries, deps.Clock, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}
	recorder, err := NewCallRecorder(admission, counters, queue, deps.Cache, deps.Accounts, cfg.Limits, deps.Clock, logger, deps.Metrics)
	if err != nil {
		return nil, err
	}

	return &QuotaService{
		cfg:       cfg,
		store:     deps.Store,
		accounts:  deps.Accounts,
		executors: deps.Executors,
		counters:  counters,
		tiers:     tiers,
		admission: admission,
		recorder:  recorder,
		queue:     queue,
		clock:     deps.Clock,
		logger:    logger,
		metrics:   deps.Metrics,
	}, nil
}

func (s *QuotaService) CanAdmit(ctx context.Context, callerID, accountID string, action domain.ActionType, followCheck bool) domain.Decision {
	return s.admission.Check(ctx, callerID, accountID, action, followCheck)
}

func (s *QuotaService) Record(ctx context.Context, req domain.RecordRequest) domain.RecordResult {
	return s.recorder.Record(ctx, req)
}

func (s *QuotaService) ProcessQueued(ctx context.Context, limit int) domain.DrainResult {
	return s.processQueued(ctx, limit)
}

func (s *QuotaService) RotateWindow(ctx context.Context) domain.RotationResult {
	return s.rotateWindow(ctx)
}

func (s *QuotaService) GetJob(ctx context.Context, id string) (*domain.DeferredAction, error) {
	return s.queue.Get(ctx, id)
}

// RefreshTier descarta o tier em cache e o resolve de novo a partir das
// assinaturas.
func (s *QuotaService) RefreshTier(ctx context.Context, callerID string) (domain.Tier, error) {
	if err := s.tiers.Invalidate(ctx, callerID); err != nil {
		return domain.TierFree, fmt.Errorf("failed to invalidate tier cache: %w", err)
	}
	return s.tiers.Resolve(ctx, callerID), nil
}

// RebuildQueue reespelha no cache os jobs pendentes do armazenamento durável.
func (s *QuotaService) RebuildQueue(ctx context.Context) (int, error) {
	return s.queue.Rebuild(ctx, 0)
}

// Sweep aplica a retenção: jobs expirados e documentos de uso antigos.
func (s *QuotaService) Sweep(ctx context.Context) error {
	jobs, jobErr := s.queue.PurgeExpired(ctx)
	cutoff := domain.WindowAt(s.clock.Now().Add(-s.cfg.UsageRetention)).Start
	usage, usageErr := s.store.PurgeUsageBefore(ctx, cutoff)

	s.logger.Info("retention sweep finished",
		zap.Int("jobs", jobs),
		zap.Int("usage_windows", usage),
		zap.Time("usage_cutoff", cutoff),
	)
	return errors.Join(jobErr, usageErr)
}

// Flush aguarda os espelhamentos duráveis em andamento.
func (s *QuotaService) Flush() {
	s.counters.Flush()
}
