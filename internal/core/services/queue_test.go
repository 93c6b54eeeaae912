package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JeanGrijp/callquota/internal/core/domain"
)

func enqueue(t *testing.T, env *testEnv, callerID string, action domain.ActionType, tier domain.Tier) *domain.DeferredAction {
	t.Helper()
	job, err := env.svc.queue.Enqueue(context.Background(), record(callerID, "acc-"+callerID, action), tier, domain.ReasonUserTierLimit)
	require.NoError(t, err)
	return job
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, Backoff(1))
	assert.Equal(t, 2*time.Minute, Backoff(2))
	assert.Equal(t, 4*time.Minute, Backoff(3))
	assert.Equal(t, time.Minute, Backoff(0))
}

func TestEnqueue_PriorityFromActionAndTier(t *testing.T) {
	env := newTestService(t, Config{})

	free := enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)
	assert.Equal(t, 4, free.Priority)
	assert.Equal(t, 4, free.BasePriority)

	pro := enqueue(t, env, "p1", domain.ActionCommentReply, domain.TierPro)
	assert.Equal(t, 1, pro.Priority)
	assert.Equal(t, 4, pro.BasePriority, "base priority is kept for observability")
	assert.Equal(t, domain.DefaultMaxRetries, pro.MaxRetries)

	n, err := env.cache.Len(context.Background(), readyQueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestProcessQueued_ProBeforeFreeThenBasePriority(t *testing.T) {
	env := newTestService(t, Config{})
	env.makePro("p1")

	enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)
	env.clock.Advance(time.Second)
	enqueue(t, env, "u2", domain.ActionDMFinalLink, domain.TierFree)
	env.clock.Advance(time.Second)
	enqueue(t, env, "p1", domain.ActionCommentReply, domain.TierPro)
	env.clock.Advance(time.Second)
	enqueue(t, env, "u3", domain.ActionDMFollowCheck, domain.TierFree)

	res := env.svc.ProcessQueued(context.Background(), 10)
	assert.Equal(t, 4, res.Processed)
	assert.Zero(t, res.Remaining)

	var order []string
	for _, call := range env.exec.executed() {
		order = append(order, call.CallerID)
	}
	assert.Equal(t, []string{"p1", "u2", "u3", "u1"}, order)
}

func TestProcessQueued_RetriesWithBackoffThenFails(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()
	env.exec.fail(errors.New("upstream returned 500"))

	job := enqueue(t, env, "u1", domain.ActionDMInitial, domain.TierFree)

	res := env.svc.ProcessQueued(ctx, 5)
	assert.Equal(t, 1, res.Failed)
	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, env.clock.Now().Add(time.Minute), got.RetryAt)
	assert.Equal(t, domain.ReasonRetryScheduled, got.Reason)
	assert.Equal(t, "upstream returned 500", got.LastError)

	// Not due yet.
	res = env.svc.ProcessQueued(ctx, 5)
	assert.Zero(t, res.Processed+res.Failed+res.Skipped)
	assert.Equal(t, int64(1), res.Remaining)

	env.clock.Advance(time.Minute)
	env.svc.ProcessQueued(ctx, 5)
	got = env.job(t, job.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, env.clock.Now().Add(2*time.Minute), got.RetryAt)

	env.clock.Advance(2 * time.Minute)
	res = env.svc.ProcessQueued(ctx, 5)
	assert.Equal(t, 1, res.Failed)
	got = env.job(t, job.ID)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, got.MaxRetries, got.RetryCount)

	// Terminal jobs are never touched again.
	env.exec.fail(nil)
	env.clock.Advance(time.Hour)
	res = env.svc.ProcessQueued(ctx, 5)
	assert.Zero(t, res.Processed)
	after := env.job(t, job.ID)
	assert.Equal(t, got, after)
	assert.Len(t, env.exec.executed(), 3)
}

func TestProcessQueued_DeniedItemsGoBackUnchanged(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()
	env.setCounter(t, userKey("u1", env.window()), 100)

	job := enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)

	res := env.svc.ProcessQueued(ctx, 5)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(1), res.Remaining)
	assert.Empty(t, env.exec.executed())

	got := env.job(t, job.ID)
	assert.Equal(t, domain.JobPending, got.Status)
	assert.Zero(t, got.RetryCount)

	n, err := env.cache.Len(ctx, readyQueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "denied item is mirrored again")
}

func TestProcessQueued_ChargesOriginalProviderCost(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	req := record("u1", "acc1", domain.ActionDMInitial)
	req.ProviderCallCost = 5
	job, err := env.svc.queue.Enqueue(ctx, req, domain.TierFree, domain.ReasonUserTierLimit)
	require.NoError(t, err)
	assert.Equal(t, int64(5), job.ProviderCallCost)

	res := env.svc.ProcessQueued(ctx, 1)
	require.Equal(t, 1, res.Processed)

	n, err := env.cache.Get(ctx, accountKey("acc1", env.window()))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestProcessQueued_FallsBackToDurableStore(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	job := enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)
	env.mr.Del(readyQueueKey)

	res := env.svc.ProcessQueued(ctx, 5)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, domain.JobCompleted, env.job(t, job.ID).Status)
}

func TestProcessQueued_QueueUnreachableUsesDurableOrder(t *testing.T) {
	env := newTestService(t, Config{}, func(d *Deps) { d.Queue = unreachableQueue{QueueCache: d.Queue} })
	ctx := context.Background()
	env.makePro("p1")

	enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)
	env.clock.Advance(time.Second)
	enqueue(t, env, "u2", domain.ActionDMFinalLink, domain.TierFree)
	env.clock.Advance(time.Second)
	enqueue(t, env, "p1", domain.ActionCommentReply, domain.TierPro)
	env.clock.Advance(time.Second)
	enqueue(t, env, "u3", domain.ActionDMFollowCheck, domain.TierFree)

	pending, err := env.store.CountJobs(ctx, "", domain.JobPending)
	require.NoError(t, err)
	assert.Equal(t, int64(4), pending, "enqueue succeeds on the durable save alone")
	assert.False(t, env.mr.Exists(readyQueueKey))

	res := env.svc.ProcessQueued(ctx, 10)
	assert.Equal(t, 4, res.Processed)
	assert.Zero(t, res.Remaining)

	var order []string
	for _, call := range env.exec.executed() {
		order = append(order, call.CallerID)
	}
	assert.Equal(t, []string{"p1", "u2", "u3", "u1"}, order)
}

func TestProcessQueued_QueueUnreachableRetriesFromDurableStore(t *testing.T) {
	env := newTestService(t, Config{}, func(d *Deps) { d.Queue = unreachableQueue{QueueCache: d.Queue} })
	ctx := context.Background()
	env.exec.fail(errors.New("upstream returned 503"))

	job := enqueue(t, env, "u1", domain.ActionDMInitial, domain.TierFree)
	res := env.svc.ProcessQueued(ctx, 5)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, env.job(t, job.ID).RetryCount)

	env.exec.fail(nil)
	env.clock.Advance(time.Minute)
	res = env.svc.ProcessQueued(ctx, 5)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, domain.JobCompleted, env.job(t, job.ID).Status)
}

func TestProcessQueued_PoppedItemIsNotRunTwice(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	job := enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)
	// A stale duplicate in the fast queue must not cause a second execution.
	require.NoError(t, env.cache.Push(ctx, readyQueueKey, job.ID, job.QueueScore()+1))
	_, err := env.mr.ZAdd(readyQueueKey, job.QueueScore()+2, job.ID+"-ghost")
	require.NoError(t, err)

	env.svc.ProcessQueued(ctx, 5)
	env.svc.ProcessQueued(ctx, 5)
	assert.Len(t, env.exec.executed(), 1)
}

func TestRebuildQueue_RestoresFastMirror(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)
	enqueue(t, env, "u2", domain.ActionDMInitial, domain.TierFree)
	env.mr.FlushAll()

	n, err := env.svc.RebuildQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	size, err := env.cache.Len(ctx, readyQueueKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

func TestSweep_RemovesExpiredJobsAndOldUsage(t *testing.T) {
	env := newTestService(t, Config{UsageRetention: 24 * time.Hour})
	ctx := context.Background()

	old := enqueue(t, env, "u1", domain.ActionCommentReply, domain.TierFree)
	require.True(t, env.svc.Record(ctx, record("u1", "acc1", domain.ActionCommentReply)).Admitted)
	env.svc.Flush()

	env.clock.Advance(domain.JobRetention + time.Hour)
	fresh := enqueue(t, env, "u2", domain.ActionCommentReply, domain.TierFree)

	require.NoError(t, env.svc.Sweep(ctx))

	_, err := env.svc.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = env.svc.GetJob(ctx, fresh.ID)
	assert.NoError(t, err)

	usage, err := env.store.GetUserUsage(ctx, "u1", domain.WindowAt(testStart).Start)
	require.NoError(t, err)
	assert.Nil(t, usage)
}
