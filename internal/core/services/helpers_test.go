package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JeanGrijp/callquota/internal/adapters/storage/memory"
	redisstorage "github.com/JeanGrijp/callquota/internal/adapters/storage/redis"
	"github.com/JeanGrijp/callquota/internal/core/domain"
	"github.com/JeanGrijp/callquota/internal/core/ports"
)

// 14:20 UTC, inside the 14:00 window.
var testStart = time.Date(2026, 10, 18, 14, 20, 0, 0, time.UTC)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type testEnv struct {
	svc   *QuotaService
	store *memory.Store
	cache *redisstorage.Storage
	mr    *miniredis.Miniredis
	clock fakeClock
	exec  *recordingExecutor
}

type envOption func(*Deps)

// newTestService is a helper that fails the test immediately if creation fails.
func newTestService(t *testing.T, cfg Config, opts ...envOption) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	cache := redisstorage.NewFromClient(client)
	store := memory.New()
	clock := clockwork.NewFakeClockAt(testStart)
	exec := &recordingExecutor{}

	deps := Deps{
		Cache:         cache,
		Queue:         cache,
		Store:         store,
		Subscriptions: store,
		Accounts:      store,
		Executors:     Executors{CommentReply: exec, DirectMessage: exec, FollowCheck: exec},
		Clock:         clock,
		Logger:        zaptest.NewLogger(t),
	}
	for _, opt := range opts {
		opt(&deps)
	}

	svc, err := NewQuotaService(deps, cfg)
	if err != nil {
		t.Fatalf("failed to create quota service: %v", err)
	}
	t.Cleanup(svc.Flush)

	return &testEnv{svc: svc, store: store, cache: cache, mr: mr, clock: clock, exec: exec}
}

func (e *testEnv) window() domain.Window {
	return domain.WindowAt(e.clock.Now())
}

func (e *testEnv) makePro(callerID string) {
	e.store.PutSubscription(domain.Subscription{
		CallerID:  callerID,
		Plan:      "pro",
		Status:    domain.SubscriptionActive,
		ExpiresAt: testStart.Add(30 * 24 * time.Hour),
	})
}

func (e *testEnv) setCounter(t *testing.T, key string, value int64) {
	t.Helper()
	require.NoError(t, e.mr.Set(key, fmt.Sprint(value)))
}

func (e *testEnv) job(t *testing.T, id string) *domain.DeferredAction {
	t.Helper()
	job, err := e.svc.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func record(callerID, accountID string, action domain.ActionType) domain.RecordRequest {
	return domain.RecordRequest{
		CallerID:         callerID,
		AccountID:        accountID,
		AccountName:      "@" + accountID,
		Action:           action,
		ProviderCallCost: 1,
		Payload:          map[string]any{"text": "hello"},
	}
}

type executedCall struct {
	AccountID string
	CallerID  string
	Payload   map[string]any
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []executedCall
	err   error
}

func (r *recordingExecutor) Execute(_ context.Context, accountID, callerID string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, executedCall{AccountID: accountID, CallerID: callerID, Payload: payload})
	return r.err
}

func (r *recordingExecutor) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *recordingExecutor) executed() []executedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]executedCall(nil), r.calls...)
}

// brokenIncrements serves reads normally but rejects every increment.
type brokenIncrements struct {
	ports.Cache
}

func (b brokenIncrements) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}

// unreachableQueue fails every fast queue operation.
type unreachableQueue struct {
	ports.QueueCache
}

var errQueueDown = errors.New("dial tcp: connection refused")

func (unreachableQueue) Push(context.Context, string, string, float64) error {
	return errQueueDown
}

func (unreachableQueue) PopMin(context.Context, string, int) ([]string, error) {
	return nil, errQueueDown
}

func (unreachableQueue) Remove(context.Context, string, string) error {
	return errQueueDown
}

func (unreachableQueue) Len(context.Context, string) (int64, error) {
	return 0, errQueueDown
}

func (unreachableQueue) Schedule(context.Context, string, string, time.Time, float64) error {
	return errQueueDown
}

func (unreachableQueue) PromoteDue(context.Context, string, string, time.Time, int) (int, error) {
	return 0, errQueueDown
}

type failingSubscriptions struct{}

func (failingSubscriptions) ActiveSubscription(context.Context, string, time.Time) (*domain.Subscription, error) {
	return nil, errors.New("subscriptions unavailable")
}
