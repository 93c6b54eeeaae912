// Package ports define contratos que conectam o domínio a implementações externas.
package ports

import (
	"context"
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// Cache é o armazenamento efêmero de baixa latência (contadores, marcadores e fila).
// Incrementos devem ser atômicos no próprio armazenamento.
type Cache interface {
	Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error)
	// Get devolve domain.ErrCacheMiss quando a chave não existe.
	Get(ctx context.Context, key string) (int64, error)
	SeedIfAbsent(ctx context.Context, key string, value int64, ttl time.Duration) error
	IsBlocked(ctx context.Context, key string) (bool, error)
	SetBlock(ctx context.Context, key string, duration time.Duration) error
	GetString(ctx context.Context, key string) (string, error)
	SetString(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteMatching(ctx context.Context, pattern string) (int, error)
}

// QueueCache é o espelho efêmero e ordenado da fila de ações adiadas.
type QueueCache interface {
	Push(ctx context.Context, queue, member string, score float64) error
	PopMin(ctx context.Context, queue string, count int) ([]string, error)
	Remove(ctx context.Context, queue, member string) error
	Len(ctx context.Context, queue string) (int64, error)
	// Schedule guarda o membro em um conjunto atrasado até at, lembrando o
	// score que terá ao ser promovido para a fila pronta.
	Schedule(ctx context.Context, delayed, member string, at time.Time, readyScore float64) error
	PromoteDue(ctx context.Context, delayed, ready string, now time.Time, max int) (int, error)
}

// UsageStore guarda os documentos de uso e o estado global das janelas.
type UsageStore interface {
	RecordUsage(ctx context.Context, inc domain.UsageIncrement) error
	GetUserUsage(ctx context.Context, callerID string, windowStart time.Time) (*domain.UserWindowUsage, error)
	IncrementGlobalCalls(ctx context.Context, window domain.Window, limit, by int64) error
	GetGlobalWindow(ctx context.Context, windowStart time.Time) (*domain.GlobalWindowState, error)
	SaveGlobalWindow(ctx context.Context, state *domain.GlobalWindowState) error
	PurgeUsageBefore(ctx context.Context, before time.Time) (int, error)
}

// JobStore é a fonte de verdade da fila de ações adiadas.
type JobStore interface {
	SaveJob(ctx context.Context, job *domain.DeferredAction) error
	GetJob(ctx context.Context, id string) (*domain.DeferredAction, error)
	// ClaimJob move o job de pending para processing; false se outro já o fez.
	ClaimJob(ctx context.Context, id string, now time.Time) (bool, error)
	// ClaimPending reivindica até limit jobs pendentes e vencidos, ordenados
	// por (classe do tier, prioridade base, criação).
	ClaimPending(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredAction, error)
	ListPending(ctx context.Context, limit int) ([]*domain.DeferredAction, error)
	CountJobs(ctx context.Context, callerID string, status domain.JobStatus) (int64, error)
	PurgeExpiredJobs(ctx context.Context, now time.Time) (int, error)
}

// DurableStore agrega o armazenamento durável completo.
type DurableStore interface {
	UsageStore
	JobStore
	Close() error
}
