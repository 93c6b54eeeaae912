package memory

import (
	"context"
	"sort"
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// PutAccount registra ou substitui uma conta externa.
func (s *Store) PutAccount(account domain.ExternalAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = &account
}

// PutSubscription registra a assinatura de um usuário.
func (s *Store) PutSubscription(sub domain.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.CallerID] = sub
}

func (s *Store) ActiveSubscription(_ context.Context, callerID string, now time.Time) (*domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[callerID]
	if !ok || !sub.ActiveAt(now) {
		return nil, nil
	}
	return &sub, nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*domain.ExternalAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	c := *account
	return &c, nil
}

func (s *Store) ListAccountIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) IncrementProviderCalls(_ context.Context, accountID string, by int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	account.ProviderCallCount += by
	return nil
}

func (s *Store) MarkRateLimited(_ context.Context, accountID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	account.RateLimited = true
	account.RateLimitResetAt = until
	return nil
}

func (s *Store) ResetRateLimit(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	account.RateLimited = false
	account.RateLimitResetAt = time.Time{}
	account.ProviderCallCount = 0
	return nil
}
