package minute_scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_const "github.com/TimeWtr/minute_scheduler/const"
	"github.com/TimeWtr/minute_scheduler/domain"
	"github.com/TimeWtr/minute_scheduler/matcher"
	"github.com/TimeWtr/minute_scheduler/repository"
	"github.com/TimeWtr/minute_scheduler/repository/dao"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store unavailable")

// barrierStore 两个节点都读到到期记录后才放行，模拟并发轮询
type barrierStore struct {
	repository.JobStore
	fetched sync.WaitGroup
}

func (b *barrierStore) FetchDue(ctx context.Context, now time.Time) ([]domain.JobRecord, error) {
	res, err := b.JobStore.FetchDue(ctx, now)
	b.fetched.Done()
	b.fetched.Wait()
	return res, err
}

// faultyStore Claim和Reset按次数失败
type faultyStore struct {
	repository.JobStore
	claimFailures int32
	resetFailures int32
	fetchErr      error
}

func (f *faultyStore) FetchDue(ctx context.Context, now time.Time) ([]domain.JobRecord, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.JobStore.FetchDue(ctx, now)
}

func (f *faultyStore) Claim(ctx context.Context, rec domain.JobRecord, now time.Time) (domain.JobRecord, error) {
	if atomic.AddInt32(&f.claimFailures, -1) >= 0 {
		return domain.JobRecord{}, errStoreDown
	}
	return f.JobStore.Claim(ctx, rec, now)
}

func (f *faultyStore) Reset(ctx context.Context, rec domain.JobRecord, next time.Time) error {
	if atomic.AddInt32(&f.resetFailures, -1) >= 0 {
		return errStoreDown
	}
	return f.JobStore.Reset(ctx, rec, next)
}

func seed(t *testing.T, store repository.JobStore, id, expr string, now time.Time) {
	t.Helper()
	e, err := matcher.Parse(expr)
	require.NoError(t, err)
	_, err = store.Reconcile(context.Background(), []repository.JobSpec{{ID: id, Schedule: e}}, now)
	require.NoError(t, err)
}

func newPersistent(t *testing.T, store repository.JobStore, clock Clock, opts ...Options) (*PersistentScheduler, *countingJob) {
	t.Helper()
	logger, _ := newObservedLogger()
	opts = append([]Options{WithClock(clock), WithLogger(logger)}, opts...)
	s := NewPersistentScheduler(store, opts...)
	job := &countingJob{}
	require.NoError(t, s.Register("report", "", job))
	return s, job
}

type countingJob struct {
	n   int32
	err error
}

func (c *countingJob) Execute(context.Context) error {
	atomic.AddInt32(&c.n, 1)
	return c.err
}

func (c *countingJob) Count() int {
	return int(atomic.LoadInt32(&c.n))
}

func TestPersistentScheduler_ConcurrentPollers(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "report", "", start)
	now := start.Add(time.Minute)

	shared := &barrierStore{JobStore: mem}
	shared.fetched.Add(2)

	var total int32
	job := ExecutorFunc(func(context.Context) error {
		atomic.AddInt32(&total, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		logger, _ := newObservedLogger()
		s := NewPersistentScheduler(shared, WithClock(newFakeClock(now)), WithLogger(logger))
		require.NoError(t, s.Register("report", "", job))

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background(), now)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&total))
	rec, ok := mem.Get("report")
	require.True(t, ok)
	assert.False(t, rec.Running)
	assert.Equal(t, now.Add(time.Minute).Unix(), rec.DueAt.Unix())
}

func TestPersistentScheduler_TwoProcessesSharedDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	openStore := func() repository.JobStore {
		db, err := dao.Open(dao.DriverSQLite, path)
		require.NoError(t, err)
		t.Cleanup(func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return repository.NewJobRepository(dao.NewGORMJobDAO(db))
	}

	clock := newFakeClock(start)
	first, firstJob := newPersistent(t, openStore(), clock)
	second, secondJob := newPersistent(t, openStore(), clock)

	// 首轮只对账，新Job在下一分钟到期
	first.Tick(context.Background(), start)
	second.Tick(context.Background(), start)
	assert.Zero(t, firstJob.Count()+secondJob.Count())

	for i := 1; i <= 3; i++ {
		now := start.Add(time.Duration(i) * time.Minute)
		first.Tick(context.Background(), now)
		second.Tick(context.Background(), now)
	}

	assert.Equal(t, 3, firstJob.Count())
	assert.Zero(t, secondJob.Count(), "the job was already reset past this minute")
}

func TestPersistentScheduler_Process(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	clock := newFakeClock(start)
	s, job := newPersistent(t, mem, clock, WithDuration(3))

	require.NoError(t, s.Process(context.Background()))

	// 08:59 对账，09:00、09:01 执行
	assert.Equal(t, 2, job.Count())
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, clock.Sleeps())
}

func TestPersistentScheduler_InitialReconcileFailureIsFatal(t *testing.T) {
	s, job := newPersistent(t, &reconcileFailStore{JobStore: repository.NewMemoryJobStore()}, newFakeClock(start))

	err := s.Process(context.Background())
	assert.ErrorIs(t, err, errStoreDown)
	assert.Zero(t, job.Count())
}

type reconcileFailStore struct {
	repository.JobStore
}

func (r *reconcileFailStore) Reconcile(context.Context, []repository.JobSpec, time.Time) (repository.ReconcileResult, error) {
	return repository.ReconcileResult{}, errStoreDown
}

func TestPersistentScheduler_ClaimFailureSkipsJob(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "report", "", start)
	now := start.Add(time.Minute)

	store := &faultyStore{JobStore: mem, claimFailures: 1}
	logger, logs := newObservedLogger()
	s := NewPersistentScheduler(store, WithClock(newFakeClock(now)), WithLogger(logger))
	job := &countingJob{}
	require.NoError(t, s.Register("report", "", job))

	s.Tick(context.Background(), now)
	assert.Zero(t, job.Count())
	assert.Equal(t, 1, logs.FilterMessage("failed to claim job").Len())

	rec, ok := mem.Get("report")
	require.True(t, ok)
	assert.False(t, rec.Running)

	s.Tick(context.Background(), now)
	assert.Equal(t, 1, job.Count(), "eligible again on the next tick")
}

func TestPersistentScheduler_RetryPreemptStrategy(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "report", "", start)
	now := start.Add(time.Minute)
	clock := newFakeClock(now)

	store := &faultyStore{JobStore: mem, claimFailures: 2}
	s, job := newPersistent(t, store, clock,
		WithPreemptStrategy(_const.RetryPreemptStrategy),
		WithRetryStrategy(func() RetryStrategy { return NewFixedScheduleStrategy(time.Second, 3) }))

	s.Tick(context.Background(), now)
	assert.Equal(t, 1, job.Count())
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.Sleeps())
}

func TestPersistentScheduler_FailedJobIsReset(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "report", "", start)
	now := start.Add(time.Minute)

	logger, logs := newObservedLogger()
	s := NewPersistentScheduler(mem, WithClock(newFakeClock(now)), WithLogger(logger))
	job := &countingJob{err: errors.New("upstream timeout")}
	require.NoError(t, s.Register("report", "", job))

	s.Tick(context.Background(), now)
	assert.Equal(t, 1, job.Count())
	assert.Equal(t, 1, criticalCount(logs))

	rec, ok := mem.Get("report")
	require.True(t, ok)
	assert.False(t, rec.Running)
	assert.Equal(t, now.Add(time.Minute).Unix(), rec.DueAt.Unix())
}

func TestPersistentScheduler_ResetFailureIsCritical(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "report", "", start)
	now := start.Add(time.Minute)

	store := &faultyStore{JobStore: mem, resetFailures: 10}
	logger, logs := newObservedLogger()
	s := NewPersistentScheduler(store, WithClock(newFakeClock(now)), WithLogger(logger),
		WithRetryStrategy(func() RetryStrategy { return NewFixedScheduleStrategy(time.Millisecond, 2) }))
	job := &countingJob{}
	require.NoError(t, s.Register("report", "", job))

	s.Tick(context.Background(), now)
	assert.Equal(t, 1, job.Count())
	assert.Equal(t, 1, logs.FilterMessage("failed to reset job, it may stay claimed").Len())
	assert.Equal(t, 1, criticalCount(logs))

	rec, ok := mem.Get("report")
	require.True(t, ok)
	assert.True(t, rec.Running, "stuck until released")

	s.Tick(context.Background(), now.Add(time.Minute))
	assert.Equal(t, 1, job.Count(), "a stuck job is not run again")
}

func TestPersistentScheduler_StaleRecovery(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "report", "", start)
	now := start.Add(time.Minute)

	due, err := mem.FetchDue(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	// 其他进程抢占后崩溃
	_, err = mem.Claim(context.Background(), due[0], now)
	require.NoError(t, err)

	s, job := newPersistent(t, mem, newFakeClock(now), WithStaleAfter(10*time.Minute))

	s.Tick(context.Background(), now.Add(5*time.Minute))
	assert.Zero(t, job.Count())

	s.Tick(context.Background(), now.Add(11*time.Minute))
	assert.Equal(t, 1, job.Count())
}

func TestPersistentScheduler_FetchFailure(t *testing.T) {
	store := &faultyStore{JobStore: repository.NewMemoryJobStore(), fetchErr: errStoreDown}
	logger, logs := newObservedLogger()
	s := NewPersistentScheduler(store, WithClock(newFakeClock(start)), WithLogger(logger))
	require.NoError(t, s.Register("report", "", &countingJob{}))

	s.Tick(context.Background(), start)
	assert.Equal(t, 1, logs.FilterMessage("failed to fetch due jobs").Len())
}

func TestPersistentScheduler_OrphanRemoved(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "retired", "", start)

	s, _ := newPersistent(t, mem, newFakeClock(start))
	s.Tick(context.Background(), start)

	_, ok := mem.Get("retired")
	assert.False(t, ok)
	_, ok = mem.Get("report")
	assert.True(t, ok)
}

func TestPersistentScheduler_Limiter(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	now := start.Add(time.Minute)

	logger, _ := newObservedLogger()
	s := NewPersistentScheduler(mem, WithClock(newFakeClock(now)), WithLogger(logger), WithLimiter(2))

	var active, peak int32
	body := ExecutorFunc(func(context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Register(id, "", body))
	}
	_, err := mem.Reconcile(context.Background(), s.specs(start), start)
	require.NoError(t, err)

	s.Tick(context.Background(), now)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	for _, rec := range mem.Records() {
		assert.False(t, rec.Running, rec.ID)
	}
}

// refreshCountingStore 记录续约次数
type refreshCountingStore struct {
	repository.JobStore
	refreshed int32
}

func (r *refreshCountingStore) Refresh(ctx context.Context, rec domain.JobRecord, now time.Time) error {
	atomic.AddInt32(&r.refreshed, 1)
	return r.JobStore.Refresh(ctx, rec, now)
}

func TestPersistentScheduler_KeepAliveWhileRunning(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "slow", "", start)
	store := &refreshCountingStore{JobStore: mem}
	now := start.Add(time.Minute)

	logger, logs := newObservedLogger()
	s := NewPersistentScheduler(store, WithClock(newFakeClock(now)), WithLogger(logger),
		WithStaleAfter(30*time.Millisecond))
	require.NoError(t, s.Register("slow", "", ActionFunc(func() {
		time.Sleep(200 * time.Millisecond)
	})))

	s.Tick(context.Background(), now)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&store.refreshed), int32(1))
	rec, ok := mem.Get("slow")
	require.True(t, ok)
	assert.False(t, rec.Running)
	assert.Equal(t, now.Add(time.Minute).Unix(), rec.DueAt.Unix())
	assert.Zero(t, logs.FilterMessage("job record lost while running, stop refreshing").Len())
	assert.Zero(t, criticalCount(logs))
}

func TestRefreshInterval(t *testing.T) {
	assert.Equal(t, time.Duration(0), refreshInterval(0))
	assert.Equal(t, 20*time.Second, refreshInterval(time.Minute))
}

func TestPersistentScheduler_PanickingLoggerStillResets(t *testing.T) {
	mem := repository.NewMemoryJobStore()
	seed(t, mem, "report", "", start)
	now := start.Add(time.Minute)

	logger, _ := newObservedLogger()
	s := NewPersistentScheduler(mem, WithClock(newFakeClock(now)), WithLogger(panicLogger{Logger: logger}))
	job := &countingJob{err: errors.New("upstream timeout")}
	require.NoError(t, s.Register("report", "", job))

	assert.NotPanics(t, func() { s.Tick(context.Background(), now) })
	assert.Equal(t, 1, job.Count())

	rec, ok := mem.Get("report")
	require.True(t, ok)
	assert.False(t, rec.Running)
	assert.Equal(t, now.Add(time.Minute).Unix(), rec.DueAt.Unix())
}

// neverDue 从不到期的表达式，记录Next的调用次数
type neverDue struct {
	nexts int32
}

func (n *neverDue) Parse(string) (matcher.Expression, error) { return n, nil }
func (n *neverDue) Dialect() matcher.Dialect                 { return matcher.DialectPattern }
func (n *neverDue) String() string                           { return "never" }
func (n *neverDue) Match(time.Time) matcher.Result           { return matcher.NotDue() }

func (n *neverDue) Next(time.Time) (time.Time, error) {
	atomic.AddInt32(&n.nexts, 1)
	return time.Time{}, matcher.ErrNoNextDue
}

func TestPersistentScheduler_UnscheduledJobNotSearchedEveryTick(t *testing.T) {
	never := &neverDue{}
	logger, logs := newObservedLogger()
	mem := repository.NewMemoryJobStore()
	s := NewPersistentScheduler(mem, WithClock(newFakeClock(start)), WithLogger(logger), WithMatcher(never))
	require.NoError(t, s.Register("never", "whatever", &countingJob{}))

	for i := 0; i < 3; i++ {
		s.Tick(context.Background(), start.Add(time.Duration(i)*time.Minute))
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&never.nexts))
	assert.Equal(t, 1, logs.FilterMessage("job has no next due time").Len())
	assert.Empty(t, mem.Records())

	// 一天后重新计算
	s.Tick(context.Background(), start.Add(25*time.Hour))
	assert.Equal(t, int32(2), atomic.LoadInt32(&never.nexts))
}
