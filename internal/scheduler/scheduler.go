// Package scheduler dispara as tarefas periódicas do núcleo de cotas:
// rotação de janela, drenagem da fila e retenção.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// Maintainer é o subconjunto do serviço de cotas acionado pelo agendador.
type Maintainer interface {
	RotateWindow(ctx context.Context) domain.RotationResult
	ProcessQueued(ctx context.Context, limit int) domain.DrainResult
	Sweep(ctx context.Context) error
}

// Config guarda expressões cron padrão, avaliadas em UTC como as janelas;
// expressão vazia desliga a tarefa.
type Config struct {
	Rotation   string
	Drain      string
	Retention  string
	DrainBatch int
}

type Scheduler struct {
	svc     Maintainer
	cfg     Config
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *zap.Logger
	running bool
}

func New(svc Maintainer, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if svc == nil {
		return nil, fmt.Errorf("quota service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for name, spec := range map[string]string{"rotation": cfg.Rotation, "drain": cfg.Drain, "retention": cfg.Retention} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", name, spec, err)
		}
	}

	return &Scheduler{
		svc:    svc,
		cfg:    cfg,
		cron:   cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.Named("scheduler"),
	}, nil
}

// Start registra as tarefas configuradas e inicia o cron. O agendador para
// sozinho quando ctx é cancelado.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"rotation", s.cfg.Rotation, s.rotate},
		{"drain", s.cfg.Drain, s.drain},
		{"retention", s.cfg.Retention, s.sweep},
	}
	for _, job := range jobs {
		if job.spec == "" {
			s.logger.Info("schedule not configured, skipping", zap.String("job", job.name))
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started",
		zap.String("rotation", s.cfg.Rotation),
		zap.String("drain", s.cfg.Drain),
		zap.String("retention", s.cfg.Retention),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop interrompe o cron e aguarda as tarefas em execução.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRuns devolve o próximo disparo de cada tarefa registrada.
func (s *Scheduler) NextRuns() []time.Time {
	var next []time.Time
	for _, entry := range s.cron.Entries() {
		next = append(next, entry.Next)
	}
	return next
}

func (s *Scheduler) rotate(ctx context.Context) {
	res := s.svc.RotateWindow(ctx)
	log := s.logger.With(zap.String("window", res.Window.Key))
	if !res.Success {
		log.Error("scheduled rotation finished with errors",
			zap.Int("processed", res.Processed),
			zap.Int("reset_accounts", res.ResetAccounts),
		)
		return
	}
	log.Info("scheduled rotation finished",
		zap.Bool("repeated", res.Repeated),
		zap.Int("processed", res.Processed),
		zap.Int("reset_accounts", res.ResetAccounts),
	)
}

func (s *Scheduler) drain(ctx context.Context) {
	res := s.svc.ProcessQueued(ctx, s.cfg.DrainBatch)
	if res.Processed+res.Failed+res.Skipped == 0 {
		s.logger.Debug("scheduled drain found nothing to run", zap.Int64("remaining", res.Remaining))
		return
	}
	s.logger.Info("scheduled drain finished",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int64("remaining", res.Remaining),
	)
}

func (s *Scheduler) sweep(ctx context.Context) {
	if err := s.svc.Sweep(ctx); err != nil {
		s.logger.Error("scheduled retention sweep failed", zap.Error(err))
	}
}
