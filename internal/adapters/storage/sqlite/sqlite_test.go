package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Path: filepath.Join(t.TempDir(), "quota.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testWindow() domain.Window {
	return domain.WindowAt(time.Date(2026, 10, 18, 14, 25, 0, 0, time.UTC))
}

func TestStore_RecordUsageAccumulatesPerAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()
	at := w.Start.Add(time.Minute)

	inc := domain.UsageIncrement{CallerID: "u1", AccountID: "acc-1", AccountName: "shop", Window: w, Tier: domain.TierFree, TierLimit: 100, Calls: 1, At: at}
	require.NoError(t, store.RecordUsage(ctx, inc))
	require.NoError(t, store.RecordUsage(ctx, inc))
	inc.AccountID, inc.AccountName = "acc-2", ""
	require.NoError(t, store.RecordUsage(ctx, inc))

	doc, err := store.GetUserUsage(ctx, "u1", w.Start)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(3), doc.TotalCalls)
	assert.Equal(t, w.Key, doc.WindowKey)
	require.Len(t, doc.Accounts, 2)
	assert.Equal(t, "acc-1", doc.Accounts[0].AccountID)
	assert.Equal(t, "shop", doc.Accounts[0].AccountName)
	assert.Equal(t, int64(2), doc.Accounts[0].CallsMade)
	assert.Equal(t, int64(1), doc.Accounts[1].CallsMade)

	missing, err := store.GetUserUsage(ctx, "u1", w.Next().Start)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_RecordUsageConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RecordUsage(ctx, domain.UsageIncrement{CallerID: "u1", AccountID: "acc", Window: w, Tier: domain.TierFree, TierLimit: 100, Calls: 1, At: w.Start})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	doc, err := store.GetUserUsage(ctx, "u1", w.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(25), doc.TotalCalls)
	assert.Equal(t, int64(25), doc.Accounts[0].CallsMade)
}

func TestStore_GlobalWindowUpsertPreservesCalls(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()

	require.NoError(t, store.IncrementGlobalCalls(ctx, w, 500, 3))
	require.NoError(t, store.SaveGlobalWindow(ctx, &domain.GlobalWindowState{
		WindowStart: w.Start, WindowKey: w.Key, Label: w.Label, GlobalLimit: 500,
		AccountsProcessed: 4, Status: domain.WindowActive, RotatedAt: w.Start,
	}))
	require.NoError(t, store.SaveGlobalWindow(ctx, &domain.GlobalWindowState{
		WindowStart: w.Start, WindowKey: w.Key, Label: w.Label, GlobalLimit: 500,
		AccountsProcessed: 4, Status: domain.WindowActive, RotatedAt: w.Start,
	}))

	state, err := store.GetGlobalWindow(ctx, w.Start)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(3), state.GlobalCalls)
	assert.Equal(t, 4, state.AccountsProcessed)
	assert.Equal(t, w.Start, state.RotatedAt)
	assert.Equal(t, domain.WindowActive, state.Status)
}

func newJob(id string, tier domain.Tier, action domain.ActionType, created time.Time) *domain.DeferredAction {
	return &domain.DeferredAction{
		ID: id, CallerID: "u1", AccountID: "acc", Action: action, Tier: tier,
		BasePriority: action.BasePriority(), Priority: domain.EffectivePriority(action, tier),
		Status: domain.JobPending, MaxRetries: domain.DefaultMaxRetries, ProviderCallCost: 3,
		Payload:   map[string]any{"text": "hi"},
		CreatedAt: created, UpdatedAt: created, ExpiresAt: created.Add(domain.JobRetention),
	}
}

func TestStore_ClaimPendingOrdersByTierThenPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveJob(ctx, newJob("free-comment", domain.TierFree, domain.ActionCommentReply, base)))
	require.NoError(t, store.SaveJob(ctx, newJob("free-link", domain.TierFree, domain.ActionDMFinalLink, base.Add(time.Second))))
	require.NoError(t, store.SaveJob(ctx, newJob("pro-comment", domain.TierPro, domain.ActionCommentReply, base.Add(2*time.Second))))
	delayed := newJob("delayed", domain.TierPro, domain.ActionDMFinalLink, base)
	delayed.RetryAt = base.Add(time.Hour)
	require.NoError(t, store.SaveJob(ctx, delayed))

	claimed, err := store.ClaimPending(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(claimed))
	for _, job := range claimed {
		ids = append(ids, job.ID)
		assert.Equal(t, domain.JobProcessing, job.Status)
	}
	assert.Equal(t, []string{"pro-comment", "free-link", "free-comment"}, ids)
	assert.Equal(t, "hi", claimed[0].Payload["text"])
	assert.Equal(t, int64(3), claimed[0].ProviderCallCost)

	again, err := store.ClaimPending(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStore_ClaimJobIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveJob(ctx, newJob("j1", domain.TierFree, domain.ActionDMInitial, now)))

	ok, err := store.ClaimJob(ctx, "j1", now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimJob(ctx, "j1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.ClaimJob(ctx, "missing", now)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_CountAndPurgeJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveJob(ctx, newJob("old", domain.TierFree, domain.ActionDMInitial, now.Add(-72*time.Hour))))
	require.NoError(t, store.SaveJob(ctx, newJob("new", domain.TierFree, domain.ActionDMInitial, now)))

	n, err := store.CountJobs(ctx, "u1", domain.JobPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	deleted, err := store.PurgeExpiredJobs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.GetJob(ctx, "old")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_AccountRegistry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	until := time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutAccount(ctx, domain.ExternalAccount{ID: "acc-1", CallerID: "u1", SkipFollowCheckForFree: true}))
	require.NoError(t, store.IncrementProviderCalls(ctx, "acc-1", 5))
	require.NoError(t, store.MarkRateLimited(ctx, "acc-1", until))

	account, err := store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.ProviderCallCount)
	assert.True(t, account.RateLimited)
	assert.True(t, account.SkipFollowCheckForFree)
	assert.Equal(t, until, account.RateLimitResetAt)

	require.NoError(t, store.ResetRateLimit(ctx, "acc-1"))
	account, err = store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, account.RateLimited)
	assert.Zero(t, account.ProviderCallCount)

	ids, err := store.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-1"}, ids)

	assert.ErrorIs(t, store.ResetRateLimit(ctx, "nope"), domain.ErrAccountNotFound)
}

func TestStore_ActiveSubscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 14, 0, 0, 0, time.UTC)

	require.NoError(t, store.PutSubscription(ctx, domain.Subscription{CallerID: "expired", Plan: "pro", Status: domain.SubscriptionActive, ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, store.PutSubscription(ctx, domain.Subscription{CallerID: "paid", Plan: "pro", Status: domain.SubscriptionActive, ExpiresAt: now.Add(time.Hour)}))

	sub, err := store.ActiveSubscription(ctx, "paid", now)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "pro", sub.Plan)

	sub, err = store.ActiveSubscription(ctx, "expired", now)
	require.NoError(t, err)
	assert.Nil(t, sub)
}
