// Package memory disponibiliza um armazenamento durável em memória, usado em
// desenvolvimento e nos testes. Todo o estado é perdido ao encerrar o processo.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

type Store struct {
	mu            sync.RWMutex
	usage         map[string]*domain.UserWindowUsage
	globals       map[int64]*domain.GlobalWindowState
	jobs          map[string]*domain.DeferredAction
	accounts      map[string]*domain.ExternalAccount
	subscriptions map[string]domain.Subscription
}

var (
	_ ports.DurableStore       = (*Store)(nil)
	_ ports.AccountRegistry    = (*Store)(nil)
	_ ports.SubscriptionLookup = (*Store)(nil)
)

func New() *Store {
	return &Store{
		usage:         make(map[string]*domain.UserWindowUsage),
		globals:       make(map[int64]*domain.GlobalWindowState),
		jobs:          make(map[string]*domain.DeferredAction),
		accounts:      make(map[string]*domain.ExternalAccount),
		subscriptions: make(map[string]domain.Subscription),
	}
}

func usageKey(callerID string, windowStart time.Time) string {
	return fmt.Sprintf("%s:%d", callerID, windowStart.Unix())
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) RecordUsage(_ context.Context, inc domain.UsageIncrement) error {
	if inc.CallerID == "" {
		return fmt.Errorf("caller id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := usageKey(inc.CallerID, inc.Window.Start)
	doc, ok := s.usage[key]
	if !ok {
		doc = &domain.UserWindowUsage{
			CallerID:    inc.CallerID,
			WindowStart: inc.Window.Start,
			WindowKey:   inc.Window.Key,
			CreatedAt:   inc.At,
		}
		s.usage[key] = doc
	}
	doc.Tier = inc.Tier
	doc.TierLimit = inc.TierLimit
	doc.TotalCalls += inc.Calls
	doc.UpdatedAt = inc.At

	for i := range doc.Accounts {
		if doc.Accounts[i].AccountID == inc.AccountID {
			doc.Accounts[i].CallsMade += inc.Calls
			doc.Accounts[i].LastCallAt = inc.At
			if inc.AccountName != "" {
				doc.Accounts[i].AccountName = inc.AccountName
			}
			return nil
		}
	}
	doc.Accounts = append(doc.Accounts, domain.AccountUsage{
		AccountID:   inc.AccountID,
		AccountName: inc.AccountName,
		CallsMade:   inc.Calls,
		LastCallAt:  inc.At,
	})
	return nil
}

func (s *Store) GetUserUsage(_ context.Context, callerID string, windowStart time.Time) (*domain.UserWindowUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.usage[usageKey(callerID, windowStart)]
	if !ok {
		return nil, nil
	}
	c := *doc
	c.Accounts = append([]domain.AccountUsage(nil), doc.Accounts...)
	return &c, nil
}

func (s *Store) IncrementGlobalCalls(_ context.Context, window domain.Window, limit, by int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.globalLocked(window, limit)
	state.GlobalCalls += by
	state.UpdatedAt = time.Now().UTC()
	return nil
}

// globalLocked devolve o registro da janela, criando-o se necessário.
// Exige o lock de escrita.
func (s *Store) globalLocked(window domain.Window, limit int64) *domain.GlobalWindowState {
	state, ok := s.globals[window.Start.Unix()]
	if !ok {
		now := time.Now().UTC()
		state = &domain.GlobalWindowState{
			WindowStart: window.Start,
			WindowKey:   window.Key,
			Label:       window.Label,
			GlobalLimit: limit,
			Status:      domain.WindowActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.globals[window.Start.Unix()] = state
	}
	return state
}

func (s *Store) GetGlobalWindow(_ context.Context, windowStart time.Time) (*domain.GlobalWindowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.globals[windowStart.Unix()]
	if !ok {
		return nil, nil
	}
	c := *state
	return &c, nil
}

// SaveGlobalWindow faz upsert preservando o contador global já acumulado.
func (s *Store) SaveGlobalWindow(_ context.Context, state *domain.GlobalWindowState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.globals[state.WindowStart.Unix()]
	c := *state
	if ok {
		c.GlobalCalls = existing.GlobalCalls
		c.CreatedAt = existing.CreatedAt
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()
	s.globals[state.WindowStart.Unix()] = &c
	return nil
}

func (s *Store) PurgeUsageBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, doc := range s.usage {
		if doc.WindowStart.Before(before) {
			delete(s.usage, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) SaveJob(_ context.Context, job *domain.DeferredAction) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.DeferredAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) ClaimJob(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if job.Status != domain.JobPending {
		return false, nil
	}
	job.Status = domain.JobProcessing
	job.UpdatedAt = now
	return true, nil
}

func (s *Store) ClaimPending(_ context.Context, now time.Time, limit int) ([]*domain.DeferredAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.DeferredAction, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobPending && job.Due(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Before(due[j]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.DeferredAction, 0, len(due))
	for _, job := range due {
		job.Status = domain.JobProcessing
		job.UpdatedAt = now
		claimed = append(claimed, job.Clone())
	}
	return claimed, nil
}

func (s *Store) ListPending(_ context.Context, limit int) ([]*domain.DeferredAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*domain.DeferredAction, 0)
	for _, job := range s.jobs {
		if job.Status == domain.JobPending {
			pending = append(pending, job.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Before(pending[j]) })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) CountJobs(_ context.Context, callerID string, status domain.JobStatus) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, job := range s.jobs {
		if (callerID == "" || job.CallerID == callerID) && job.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeExpiredJobs(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, job := range s.jobs {
		if !job.ExpiresAt.IsZero() && !job.ExpiresAt.After(now) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}
