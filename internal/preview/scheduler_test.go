package preview

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ayakhalid01/accounting-sub000/internal/model"
)

type countingPlanner struct {
	calls atomic.Int64
	err   atomic.Value
}

func (p *countingPlanner) Allocate(_ context.Context, d model.Deposit) (model.AllocationPlan, error) {
	n := p.calls.Add(1)
	if err, ok := p.err.Load().(error); ok && err != nil {
		return model.AllocationPlan{}, err
	}
	return model.AllocationPlan{
		DepositID:       d.ID,
		NetAmount:       d.NetAmount,
		TotalGapCovered: decimal.NewFromInt(n),
	}, nil
}

type recordingCommitter struct {
	mu        sync.Mutex
	committed []int64
	done      chan int64
	err       error
}

func newRecordingCommitter() *recordingCommitter {
	return &recordingCommitter{done: make(chan int64, 16)}
}

func (c *recordingCommitter) Commit(_ context.Context, d model.Deposit) ([]model.DepositAllocation, error) {
	c.mu.Lock()
	c.committed = append(c.committed, d.ID)
	c.mu.Unlock()
	c.done <- d.ID
	return nil, c.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func deposit(id int64, status model.DepositStatus) model.Deposit {
	return model.Deposit{
		ID:              id,
		PaymentMethodID: 1,
		StartDate:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:         time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		NetAmount:       decimal.NewFromInt(100),
		Status:          status,
	}
}

func newTestScheduler(planner Planner, committer Committer, clock *fakeClock, opts ...Option) *Scheduler {
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewScheduler(planner, committer, NewMemoryStore(), zap.NewNop(), opts...)
}

func TestPreview_CacheHitAndForce(t *testing.T) {
	ctx := context.Background()
	planner := &countingPlanner{}
	clock := &fakeClock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(planner, newRecordingCommitter(), clock)

	d := deposit(1, model.DepositStatusPending)

	first, err := s.Preview(ctx, d, false)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := s.Preview(ctx, d, false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int64(1), planner.calls.Load())
	assert.True(t, first.Plan.TotalGapCovered.Equal(second.Plan.TotalGapCovered))

	clock.Advance(time.Second)
	forced, err := s.Preview(ctx, d, true)
	require.NoError(t, err)
	assert.False(t, forced.Cached)
	assert.Equal(t, int64(2), planner.calls.Load())
	assert.True(t, forced.ComputedAt.After(first.ComputedAt))
}

func TestPreview_PendingNeverCommits(t *testing.T) {
	ctx := context.Background()
	committer := newRecordingCommitter()
	clock := &fakeClock{now: time.Now()}
	s := newTestScheduler(&countingPlanner{}, committer, clock)

	_, err := s.Preview(ctx, deposit(1, model.DepositStatusPending), true)
	require.NoError(t, err)

	assert.Empty(t, s.commitQueue)
}

func TestPreview_ApprovedSchedulesThrottledCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	committer := newRecordingCommitter()
	clock := &fakeClock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestScheduler(&countingPlanner{}, committer, clock, WithCooldown(5*time.Minute))
	go s.Run(ctx)

	d := deposit(7, model.DepositStatusApproved)

	_, err := s.Preview(ctx, d, false)
	require.NoError(t, err)
	waitCommit(t, committer, 7)

	// Повторный пересчёт внутри окна не ставит фиксацию.
	clock.Advance(time.Minute)
	assert.False(t, s.ScheduleCommit(d, false))

	// force обходит окно.
	_, err = s.Preview(ctx, d, true)
	require.NoError(t, err)
	waitCommit(t, committer, 7)

	clock.Advance(6 * time.Minute)
	assert.True(t, s.ScheduleCommit(d, false))
	waitCommit(t, committer, 7)

	committer.mu.Lock()
	assert.Len(t, committer.committed, 3)
	committer.mu.Unlock()
}

func waitCommit(t *testing.T, c *recordingCommitter, want int64) {
	t.Helper()

	select {
	case id := <-c.done:
		assert.Equal(t, want, id)
	case <-time.After(time.Second):
		t.Fatalf("commit of deposit %d was not triggered", want)
	}
}

func TestPreview_StaleOnRecomputeFailure(t *testing.T) {
	ctx := context.Background()
	planner := &countingPlanner{}
	clock := &fakeClock{now: time.Now()}
	s := newTestScheduler(planner, newRecordingCommitter(), clock)

	d := deposit(3, model.DepositStatusPending)

	_, err := s.Preview(ctx, d, false)
	require.NoError(t, err)

	planner.err.Store(errors.New("connection reset"))

	res, err := s.Preview(ctx, d, true)
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.True(t, decimal.NewFromInt(1).Equal(res.Plan.TotalGapCovered))

	_, err = s.Preview(ctx, deposit(4, model.DepositStatusPending), false)
	require.ErrorIs(t, err, model.ErrPreviewUnavailable)
}

func TestPreview_InputErrorIsNotMasked(t *testing.T) {
	ctx := context.Background()
	planner := &countingPlanner{}
	s := newTestScheduler(planner, newRecordingCommitter(), &fakeClock{now: time.Now()})

	d := deposit(3, model.DepositStatusPending)
	_, err := s.Preview(ctx, d, false)
	require.NoError(t, err)

	planner.err.Store(&model.InputError{Field: "net_amount", Reason: "negative"})

	_, err = s.Preview(ctx, d, true)
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestWarmPending(t *testing.T) {
	ctx := context.Background()
	planner := &countingPlanner{}
	s := newTestScheduler(planner, newRecordingCommitter(), &fakeClock{now: time.Now()}, WithWarmConcurrency(2))

	deposits := []model.Deposit{
		deposit(1, model.DepositStatusPending),
		deposit(2, model.DepositStatusPending),
		deposit(3, model.DepositStatusApproved),
		deposit(4, model.DepositStatusPending),
	}

	require.NoError(t, s.WarmPending(ctx, deposits))
	assert.Equal(t, int64(3), planner.calls.Load())

	require.NoError(t, s.WarmPending(ctx, deposits))
	assert.Equal(t, int64(3), planner.calls.Load(), "warm previews must be served from cache")

	_, found, err := s.store.Get(ctx, 3)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPreview_CacheHitOfApprovedSchedulesCommit(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}
	planner := &countingPlanner{}
	s := newTestScheduler(planner, newRecordingCommitter(), clock, WithCooldown(5*time.Minute))

	d := deposit(8, model.DepositStatusPending)
	_, err := s.Preview(ctx, d, false)
	require.NoError(t, err)
	assert.Empty(t, s.commitQueue)

	d.Status = model.DepositStatusApproved
	res, err := s.Preview(ctx, d, false)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Len(t, s.commitQueue, 1)

	_, err = s.Preview(ctx, d, false)
	require.NoError(t, err)
	assert.Len(t, s.commitQueue, 1, "cache hits inside the cooldown are throttled")

	clock.Advance(6 * time.Minute)
	_, err = s.Preview(ctx, d, false)
	require.NoError(t, err)
	assert.Len(t, s.commitQueue, 2)
	assert.Equal(t, int64(1), planner.calls.Load())
}

func TestRefreshPending(t *testing.T) {
	ctx := context.Background()
	planner := &countingPlanner{}
	s := newTestScheduler(planner, newRecordingCommitter(), &fakeClock{now: time.Now()})

	deposits := []model.Deposit{
		deposit(1, model.DepositStatusPending),
		deposit(2, model.DepositStatusApproved),
	}

	require.NoError(t, s.WarmPending(ctx, deposits))
	require.Equal(t, int64(1), planner.calls.Load())

	require.NoError(t, s.RefreshPending(ctx, deposits))
	assert.Equal(t, int64(2), planner.calls.Load(), "refresh bypasses the cache for pending only")

	got, found, err := s.store.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, decimal.NewFromInt(2).Equal(got.Plan.TotalGapCovered))
	assert.Empty(t, s.commitQueue)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	planner := &countingPlanner{}
	s := newTestScheduler(planner, newRecordingCommitter(), &fakeClock{now: time.Now()})

	d := deposit(5, model.DepositStatusApproved)
	_, err := s.Preview(ctx, d, false)
	require.NoError(t, err)

	require.NoError(t, s.Invalidate(ctx, d.ID))

	res, err := s.Preview(ctx, d, false)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Len(t, s.commitQueue, 2, "invalidation resets the commit throttle")
}

func TestScheduleCommit_FullQueue(t *testing.T) {
	s := newTestScheduler(&countingPlanner{}, newRecordingCommitter(), &fakeClock{now: time.Now()}, WithQueueSize(1))

	assert.True(t, s.ScheduleCommit(deposit(1, model.DepositStatusApproved), false))
	assert.False(t, s.ScheduleCommit(deposit(2, model.DepositStatusApproved), false))

	s.mu.Lock()
	_, throttled := s.lastCommit[2]
	s.mu.Unlock()
	assert.False(t, throttled, "dropped commit must not start the cooldown")
}

func TestMemoryStore_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	older := Entry{Plan: model.AllocationPlan{DepositID: 1, TotalGapCovered: decimal.NewFromInt(1)}, ComputedAt: time.Unix(100, 0)}
	newer := Entry{Plan: model.AllocationPlan{DepositID: 1, TotalGapCovered: decimal.NewFromInt(2)}, ComputedAt: time.Unix(200, 0)}

	ok, err := store.Put(ctx, 1, newer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Put(ctx, 1, older)
	require.NoError(t, err)
	assert.False(t, ok)

	got, found, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, decimal.NewFromInt(2).Equal(got.Plan.TotalGapCovered))

	require.NoError(t, store.Delete(ctx, 1))
	_, found, err = store.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)
}
