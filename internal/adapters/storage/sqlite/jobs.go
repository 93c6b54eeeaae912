package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

const jobColumns = `id, caller_id, account_id, action, payload, tier, base_priority, priority, status, reason,
	window_start, retry_count, max_retries, retry_at, last_error, created_at, updated_at, expires_at, provider_call_cost`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.DeferredAction, error) {
	var (
		job                                    domain.DeferredAction
		action, payload, tier, status, reason  string
		window, retryAt, created, upd, expires int64
	)
	err := row.Scan(
		&job.ID, &job.CallerID, &job.AccountID, &action, &payload, &tier, &job.BasePriority, &job.Priority,
		&status, &reason, &window, &job.RetryCount, &job.MaxRetries, &retryAt, &job.LastError, &created, &upd, &expires,
		&job.ProviderCallCost,
	)
	if err != nil {
		return nil, err
	}
	job.Action = domain.ActionType(action)
	job.Tier = domain.ParseTier(tier)
	job.Status = domain.JobStatus(status)
	job.Reason = domain.ReasonCode(reason)
	job.WindowStart = fromMillis(window)
	job.RetryAt = fromMillis(retryAt)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(upd)
	job.ExpiresAt = fromMillis(expires)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &job, nil
}

func (s *Store) SaveJob(ctx context.Context, job *domain.DeferredAction) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}

	var payload []byte
	if job.Payload != nil {
		var err error
		payload, err = json.Marshal(job.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deferred_actions (`+jobColumns+`, tier_class)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			payload = excluded.payload,
			tier = excluded.tier,
			tier_class = excluded.tier_class,
			base_priority = excluded.base_priority,
			priority = excluded.priority,
			status = excluded.status,
			reason = excluded.reason,
			retry_count = excluded.retry_count,
			max_retries = excluded.max_retries,
			retry_at = excluded.retry_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`,
		job.ID, job.CallerID, job.AccountID, string(job.Action), string(payload), string(job.Tier), job.BasePriority,
		job.Priority, string(job.Status), string(job.Reason), toMillis(job.WindowStart), job.RetryCount, job.MaxRetries,
		toMillis(job.RetryAt), job.LastError, toMillis(job.CreatedAt), toMillis(job.UpdatedAt), toMillis(job.ExpiresAt),
		job.ProviderCallCost, job.Tier.Class(),
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.DeferredAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM deferred_actions WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE deferred_actions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(domain.JobProcessing), toMillis(now), id, string(domain.JobPending))
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM deferred_actions WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check job: %w", err)
	}
	return false, nil
}

func (s *Store) ClaimPending(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredAction, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE deferred_actions SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM deferred_actions
			WHERE status = ? AND retry_at <= ?
			ORDER BY tier_class, base_priority, created_at
			LIMIT ?
		)
		RETURNING `+jobColumns,
		string(domain.JobProcessing), toMillis(now), string(domain.JobPending), toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING não preserva a ordem da subconsulta.
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Before(jobs[j]) })
	return jobs, nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]*domain.DeferredAction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM deferred_actions
		WHERE status = ?
		ORDER BY tier_class, base_priority, created_at
		LIMIT ?
	`, string(domain.JobPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*domain.DeferredAction, error) {
	defer rows.Close()

	var jobs []*domain.DeferredAction
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func (s *Store) CountJobs(ctx context.Context, callerID string, status domain.JobStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deferred_actions
		WHERE (? = '' OR caller_id = ?) AND status = ?
	`, callerID, callerID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

func (s *Store) PurgeExpiredJobs(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deferred_actions WHERE expires_at > 0 AND expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}
