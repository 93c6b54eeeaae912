package mongo

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

// newTestStore needs a reachable server in MONGO_URI; each test gets its own database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := New(ctx, Config{URI: uri, Database: "callquota_test_" + uuid.NewString()[:8]})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.usage.Database().Drop(context.Background())
		_ = store.Close()
	})
	return store
}

func testWindow() domain.Window {
	return domain.WindowAt(time.Date(2026, 10, 18, 14, 25, 0, 0, time.UTC))
}

func TestStore_RecordUsageAccumulatesPerAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()

	inc := domain.UsageIncrement{CallerID: "u1", AccountID: "acc-1", Window: w, Tier: domain.TierFree, TierLimit: 100, Calls: 1, At: w.Start}
	require.NoError(t, store.RecordUsage(ctx, inc))
	require.NoError(t, store.RecordUsage(ctx, inc))
	inc.AccountID = "acc-2"
	require.NoError(t, store.RecordUsage(ctx, inc))

	doc, err := store.GetUserUsage(ctx, "u1", w.Start)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(3), doc.TotalCalls)
	require.Len(t, doc.Accounts, 2)
	assert.Equal(t, int64(2), doc.Accounts[0].CallsMade)

	missing, err := store.GetUserUsage(ctx, "u1", w.Next().Start)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_GlobalWindowUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	w := testWindow()

	require.NoError(t, store.IncrementGlobalCalls(ctx, w, 10000, 2))
	require.NoError(t, store.IncrementGlobalCalls(ctx, w, 10000, 3))

	state, err := store.GetGlobalWindow(ctx, w.Start)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(5), state.GlobalCalls)

	state.Status = domain.WindowCompleted
	require.NoError(t, store.SaveGlobalWindow(ctx, state))
	again, err := store.GetGlobalWindow(ctx, w.Start)
	require.NoError(t, err)
	assert.Equal(t, domain.WindowCompleted, again.Status)
	assert.Equal(t, int64(5), again.GlobalCalls)
}

func TestStore_JobClaimIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testWindow().Start

	job := &domain.DeferredAction{
		ID:           uuid.NewString(),
		CallerID:     "u1",
		AccountID:    "acc-1",
		Action:       domain.ActionDMInitial,
		Tier:         domain.TierFree,
		BasePriority: 3,
		Priority:     3,
		Status:       domain.JobPending,
		MaxRetries:   domain.DefaultMaxRetries,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(domain.JobRetention),
	}
	require.NoError(t, store.SaveJob(ctx, job))

	ok, err := store.ClaimJob(ctx, job.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimJob(ctx, job.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, got.Status)

	_, err = store.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestStore_ClaimPendingOrdersByTierThenPriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := testWindow().Start

	save := func(id string, tier domain.Tier, base int, created time.Time) {
		require.NoError(t, store.SaveJob(ctx, &domain.DeferredAction{
			ID: id, CallerID: "u-" + id, Action: domain.ActionCommentReply, Tier: tier,
			BasePriority: base, Priority: domain.EffectivePriority(domain.ActionCommentReply, tier),
			Status: domain.JobPending, CreatedAt: created, UpdatedAt: created, ExpiresAt: created.Add(domain.JobRetention),
		}))
	}
	save("free-late", domain.TierFree, 4, now.Add(-time.Hour))
	save("free-urgent", domain.TierFree, 1, now)
	save("pro", domain.TierPro, 4, now.Add(time.Minute))

	jobs, err := store.ClaimPending(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "pro", jobs[0].ID)
	assert.Equal(t, "free-urgent", jobs[1].ID)
	assert.Equal(t, "free-late", jobs[2].ID)

	pending, err := store.CountJobs(ctx, "", domain.JobPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
