// Package sqlite implementa o armazenamento durável sobre SQLite (modernc, sem cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // driver SQLite

	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

var (
	_ ports.DurableStore       = (*Store)(nil)
	_ ports.AccountRegistry    = (*Store)(nil)
	_ ports.SubscriptionLookup = (*Store)(nil)
)

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// O SQLite aceita um único escritor.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) RecordUsage(ctx context.Context, inc domain.UsageIncrement) error {
	if inc.CallerID == "" {
		return fmt.Errorf("caller id cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage tx: %w", err)
	}
	defer tx.Rollback()

	at := toMillis(inc.At)
	start := toMillis(inc.Window.Start)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_windows (caller_id, window_start, window_key, tier, tier_limit, total_calls, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (caller_id, window_start) DO UPDATE SET
			tier = excluded.tier,
			tier_limit = excluded.tier_limit,
			total_calls = usage_windows.total_calls + excluded.total_calls,
			updated_at = excluded.updated_at
	`, inc.CallerID, start, inc.Window.Key, string(inc.Tier), inc.TierLimit, inc.Calls, at, at)
	if err != nil {
		return fmt.Errorf("failed to upsert usage window: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_accounts (caller_id, window_start, account_id, account_name, calls_made, last_call_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (caller_id, window_start, account_id) DO UPDATE SET
			calls_made = usage_accounts.calls_made + excluded.calls_made,
			last_call_at = excluded.last_call_at,
			account_name = CASE WHEN excluded.account_name != '' THEN excluded.account_name ELSE usage_accounts.account_name END
	`, inc.CallerID, start, inc.AccountID, inc.AccountName, inc.Calls, at)
	if err != nil {
		return fmt.Errorf("failed to upsert account usage: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetUserUsage(ctx context.Context, callerID string, windowStart time.Time) (*domain.UserWindowUsage, error) {
	var (
		doc                 domain.UserWindowUsage
		start, created, upd int64
		tier                string
		paused              int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT caller_id, window_start, window_key, tier, tier_limit, total_calls, automation_paused, created_at, updated_at
		FROM usage_windows WHERE caller_id = ? AND window_start = ?
	`, callerID, toMillis(windowStart)).Scan(
		&doc.CallerID, &start, &doc.WindowKey, &tier, &doc.TierLimit, &doc.TotalCalls, &paused, &created, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage window: %w", err)
	}
	doc.WindowStart = fromMillis(start)
	doc.Tier = domain.ParseTier(tier)
	doc.AutomationPaused = paused == 1
	doc.CreatedAt = fromMillis(created)
	doc.UpdatedAt = fromMillis(upd)

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, account_name, calls_made, last_call_at
		FROM usage_accounts WHERE caller_id = ? AND window_start = ?
		ORDER BY rowid
	`, callerID, start)
	if err != nil {
		return nil, fmt.Errorf("failed to load account usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry domain.AccountUsage
			last  int64
		)
		if err := rows.Scan(&entry.AccountID, &entry.AccountName, &entry.CallsMade, &last); err != nil {
			return nil, fmt.Errorf("failed to scan account usage: %w", err)
		}
		entry.LastCallAt = fromMillis(last)
		doc.Accounts = append(doc.Accounts, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating account usage: %w", err)
	}

	return &doc, nil
}

func (s *Store) IncrementGlobalCalls(ctx context.Context, window domain.Window, limit, by int64) error {
	now := toMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_windows (window_start, window_key, label, global_calls, global_limit, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (window_start) DO UPDATE SET
			global_calls = global_windows.global_calls + excluded.global_calls,
			updated_at = excluded.updated_at
	`, toMillis(window.Start), window.Key, window.Label, by, limit, string(domain.WindowActive), now, now)
	if err != nil {
		return fmt.Errorf("failed to increment global calls: %w", err)
	}
	return nil
}

func (s *Store) GetGlobalWindow(ctx context.Context, windowStart time.Time) (*domain.GlobalWindowState, error) {
	var (
		state                                   domain.GlobalWindowState
		start, rotated, completed, created, upd int64
		paused                                  int
		status                                  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT window_start, window_key, label, global_calls, global_limit, accounts_processed,
			automation_paused, status, rotated_at, completed_at, created_at, updated_at
		FROM global_windows WHERE window_start = ?
	`, toMillis(windowStart)).Scan(
		&start, &state.WindowKey, &state.Label, &state.GlobalCalls, &state.GlobalLimit, &state.AccountsProcessed,
		&paused, &status, &rotated, &completed, &created, &upd,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load global window: %w", err)
	}
	state.WindowStart = fromMillis(start)
	state.AutomationPaused = paused == 1
	state.Status = domain.WindowStatus(status)
	state.RotatedAt = fromMillis(rotated)
	state.CompletedAt = fromMillis(completed)
	state.CreatedAt = fromMillis(created)
	state.UpdatedAt = fromMillis(upd)
	return &state, nil
}

// SaveGlobalWindow faz upsert sem tocar no contador global já acumulado.
func (s *Store) SaveGlobalWindow(ctx context.Context, state *domain.GlobalWindowState) error {
	if state == nil {
		return fmt.Errorf("state cannot be nil")
	}
	now := toMillis(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO global_windows (window_start, window_key, label, global_calls, global_limit, accounts_processed,
			automation_paused, status, rotated_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (window_start) DO UPDATE SET
			global_limit = excluded.global_limit,
			accounts_processed = excluded.accounts_processed,
			automation_paused = excluded.automation_paused,
			status = excluded.status,
			rotated_at = excluded.rotated_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`, toMillis(state.WindowStart), state.WindowKey, state.Label, state.GlobalLimit, state.AccountsProcessed,
		boolInt(state.AutomationPaused), string(state.Status), toMillis(state.RotatedAt), toMillis(state.CompletedAt), now, now)
	if err != nil {
		return fmt.Errorf("failed to save global window: %w", err)
	}
	return nil
}

func (s *Store) PurgeUsageBefore(ctx context.Context, before time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM usage_accounts WHERE window_start < ?`, toMillis(before)); err != nil {
		return 0, fmt.Errorf("failed to purge account usage: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM usage_windows WHERE window_start < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge usage windows: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), tx.Commit()
}
