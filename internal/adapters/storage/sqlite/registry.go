package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// PutAccount registra ou substitui uma conta externa.
func (s *Store) PutAccount(ctx context.Context, account domain.ExternalAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_accounts (id, caller_id, username, provider_call_count, rate_limited, rate_limit_reset_at, skip_follow_check_free)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			caller_id = excluded.caller_id,
			username = excluded.username,
			provider_call_count = excluded.provider_call_count,
			rate_limited = excluded.rate_limited,
			rate_limit_reset_at = excluded.rate_limit_reset_at,
			skip_follow_check_free = excluded.skip_follow_check_free
	`, account.ID, account.CallerID, account.Username, account.ProviderCallCount, boolInt(account.RateLimited),
		toMillis(account.RateLimitResetAt), boolInt(account.SkipFollowCheckForFree))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// PutSubscription registra uma assinatura de um usuário.
func (s *Store) PutSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (caller_id, plan, status, expires_at) VALUES (?, ?, ?, ?)
	`, sub.CallerID, sub.Plan, sub.Status, toMillis(sub.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (s *Store) ActiveSubscription(ctx context.Context, callerID string, now time.Time) (*domain.Subscription, error) {
	var (
		sub     domain.Subscription
		expires int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT caller_id, plan, status, expires_at FROM subscriptions
		WHERE caller_id = ? AND status = ? AND expires_at > ?
		ORDER BY expires_at DESC LIMIT 1
	`, callerID, domain.SubscriptionActive, toMillis(now)).Scan(&sub.CallerID, &sub.Plan, &sub.Status, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	sub.ExpiresAt = fromMillis(expires)
	return &sub, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*domain.ExternalAccount, error) {
	var (
		account      domain.ExternalAccount
		limited, skp int
		resetAt      int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, caller_id, username, provider_call_count, rate_limited, rate_limit_reset_at, skip_follow_check_free
		FROM external_accounts WHERE id = ?
	`, accountID).Scan(&account.ID, &account.CallerID, &account.Username, &account.ProviderCallCount, &limited, &resetAt, &skp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	account.RateLimited = limited == 1
	account.RateLimitResetAt = fromMillis(resetAt)
	account.SkipFollowCheckForFree = skp == 1
	return &account, nil
}

func (s *Store) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM external_accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) updateAccount(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) IncrementProviderCalls(ctx context.Context, accountID string, by int64) error {
	return s.updateAccount(ctx, `
		UPDATE external_accounts SET provider_call_count = provider_call_count + ? WHERE id = ?
	`, by, accountID)
}

func (s *Store) MarkRateLimited(ctx context.Context, accountID string, until time.Time) error {
	return s.updateAccount(ctx, `
		UPDATE external_accounts SET rate_limited = 1, rate_limit_reset_at = ? WHERE id = ?
	`, toMillis(until), accountID)
}

func (s *Store) ResetRateLimit(ctx context.Context, accountID string) error {
	return s.updateAccount(ctx, `
		UPDATE external_accounts SET rate_limited = 0, rate_limit_reset_at = 0, provider_call_count = 0 WHERE id = ?
	`, accountID)
}
