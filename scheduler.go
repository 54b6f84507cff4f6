package minute_scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	_const "github.com/TimeWtr/minute_scheduler/const"
	"github.com/TimeWtr/minute_scheduler/lock"
	"github.com/TimeWtr/minute_scheduler/matcher"
	"golang.org/x/sync/semaphore"
)

type Scheduler interface {
	// Register 注册Job，ID在同一个调度器内必须唯一
	Register(id string, expr string, exec Executor) error
	// SetDuration 运行的分钟数，小于1时只运行一轮
	SetDuration(minutes int)
	// Tick 执行一轮调度
	Tick(ctx context.Context, now time.Time)
	// Process 阻塞运行直到所有轮次完成或ctx结束
	Process(ctx context.Context) error
}

type Options func(core *SchedulerCore)

func WithLogger(logger Logger) Options {
	return func(c *SchedulerCore) {
		c.logger = logger
	}
}

func WithClock(clock Clock) Options {
	return func(c *SchedulerCore) {
		c.clock = clock
	}
}

func WithMatcher(m matcher.Matcher) Options {
	return func(c *SchedulerCore) {
		c.matcher = m
	}
}

func WithDuration(minutes int) Options {
	return func(c *SchedulerCore) {
		c.minutes = minutes
	}
}

// WithLockGuard 内存调度执行Job前获取跨进程文件锁
func WithLockGuard(guard *lock.Guard) Options {
	return func(c *SchedulerCore) {
		c.guard = guard
	}
}

func WithPreemptStrategy(strategy _const.PreemptStrategy) Options {
	return func(c *SchedulerCore) {
		c.schedulerStrategy = strategy
	}
}

// WithRetryStrategy 每次重试序列调用newStrategy获取新的策略实例
func WithRetryStrategy(newStrategy func() RetryStrategy) Options {
	return func(c *SchedulerCore) {
		c.retry = newStrategy
	}
}

// WithLimiter 设置节点并发执行的Job数量，防止无限制的抢占
func WithLimiter(limiter int64) Options {
	return func(c *SchedulerCore) {
		if limiter > 0 {
			c.limiter = semaphore.NewWeighted(limiter)
		}
	}
}

// WithStaleAfter 抢占超过d仍未释放的记录在下一轮被回收，0表示不回收
func WithStaleAfter(d time.Duration) Options {
	return func(c *SchedulerCore) {
		c.staleAfter = d
	}
}

// WithStoreTimeout 单次存储操作的超时时间
func WithStoreTimeout(d time.Duration) Options {
	return func(c *SchedulerCore) {
		if d > 0 {
			c.storeTimeout = d
		}
	}
}

// SchedulerCore 内存调度和持久化调度共用的注册中心与配置
type SchedulerCore struct {
	logger  Logger
	clock   Clock
	matcher matcher.Matcher
	// 本地的执行器注册中心，保持注册顺序
	jobs  []*entry
	index map[string]*entry
	mu    sync.RWMutex
	// 运行的分钟数
	minutes int
	// 跨进程文件锁，仅内存调度使用
	guard *lock.Guard
	// 抢占策略
	schedulerStrategy _const.PreemptStrategy
	// 存储操作失败的重试策略
	retry func() RetryStrategy
	// 限流
	limiter *semaphore.Weighted
	// 抢占记录的过期回收时间
	staleAfter   time.Duration
	storeTimeout time.Duration
}

type entry struct {
	id   string
	expr matcher.Expression
	exec Executor
	// relative方言在内存调度中需要记住下一次到期时间
	next      time.Time
	exhausted bool
}

func newSchedulerCore(opts ...Options) *SchedulerCore {
	core := &SchedulerCore{
		index:             map[string]*entry{},
		minutes:           _const.DefaultMinutes,
		schedulerStrategy: _const.TryPreemptStrategy,
		retry:             defaultRetryStrategy,
		storeTimeout:      _const.DefaultStoreTimeout,
	}

	for _, opt := range opts {
		opt(core)
	}

	if core.logger == nil {
		core.logger = NewStderrLogger()
	}
	core.logger = newSafeLogger(core.logger)
	if core.clock == nil {
		core.clock = RealClock()
	}
	if core.matcher == nil {
		core.matcher = matcher.Default
	}
	if core.limiter == nil {
		core.limiter = semaphore.NewWeighted(_const.DefaultLimiter)
	}

	return core
}

func (s *SchedulerCore) Register(id string, expr string, exec Executor) error {
	if id == "" {
		return ErrEmptyJobID
	}
	if isNilExecutor(exec) {
		return fmt.Errorf("job %s: %w", id, ErrNilExecutor)
	}

	e, err := s.matcher.Parse(expr)
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return fmt.Errorf("job %s: %w", id, ErrDuplicateJob)
	}

	item := &entry{id: id, expr: e, exec: exec}
	s.jobs = append(s.jobs, item)
	s.index[id] = item
	return nil
}

func (s *SchedulerCore) SetDuration(minutes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minutes = minutes
}

func (s *SchedulerCore) duration() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minutes
}

func (s *SchedulerCore) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]*entry, len(s.jobs))
	copy(res, s.jobs)
	return res
}

func (s *SchedulerCore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[id]
	return e, ok
}

// execute 执行Job，错误和panic都转换为JobExecutionError
func (s *SchedulerCore) execute(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &JobExecutionError{JobID: e.id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err = e.exec.Execute(ctx); err != nil {
		return &JobExecutionError{JobID: e.id, Err: err}
	}
	return nil
}

// withRetry 执行op，retryable判定为可重试的错误按重试策略等待后重试
func (s *SchedulerCore) withRetry(ctx context.Context, op func(ctx context.Context) error,
	retryable func(err error) bool) error {
	var strategy RetryStrategy
	for {
		lctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		err := op(lctx)
		cancel()
		if err == nil || !retryable(err) {
			return err
		}

		if strategy == nil {
			strategy = s.retry()
		}
		interval, serr := strategy.Next()
		if serr != nil {
			return err
		}
		if werr := s.clock.Sleep(ctx, interval); werr != nil {
			return errors.Join(err, werr)
		}
	}
}

// MemoryScheduler 内存调度，配置文件锁时为带锁版本，否则为简化版本。
// 使用逻辑时钟：起始时间在Process开始时截断到分钟，每轮前进一分钟。
type MemoryScheduler struct {
	*SchedulerCore
}

func NewScheduler(opts ...Options) *MemoryScheduler {
	return &MemoryScheduler{SchedulerCore: newSchedulerCore(opts...)}
}

func (s *MemoryScheduler) Process(ctx context.Context) error {
	start := matcher.Truncate(s.clock.Now())
	loop := NewRunLoop(s.clock, _const.TickInterval, s.duration())
	return loop.Run(ctx, func(ctx context.Context, i int) {
		s.Tick(ctx, start.Add(time.Duration(i)*_const.TickInterval))
	})
}

// Tick 按注册顺序依次执行到期的Job，单个Job的失败不影响其他Job
func (s *MemoryScheduler) Tick(ctx context.Context, now time.Time) {
	now = matcher.Truncate(now)
	for _, e := range s.snapshot() {
		if ctx.Err() != nil {
			return
		}

		res := s.evaluate(e, now)
		switch res.State {
		case matcher.StateNotDue:
			continue
		case matcher.StateError:
			s.logger.Error("failed to evaluate job schedule",
				Field{Key: "job", Val: e.id},
				Field{Key: "err", Val: res.Err.Error()})
			continue
		}

		err := s.run(ctx, e)
		s.advance(e, now)
		if err == nil {
			continue
		}

		var execErr *JobExecutionError
		if errors.As(err, &execErr) {
			s.logger.Critical(execErr.Error(), Field{Key: "job", Val: e.id})
			continue
		}
		s.logger.Error("failed to run job", Field{Key: "job", Val: e.id}, Field{Key: "err", Val: err.Error()})
	}
}

func (s *MemoryScheduler) run(ctx context.Context, e *entry) error {
	if s.guard == nil {
		return s.execute(ctx, e)
	}
	return s.guard.WithExclusiveLock(ctx, e.id, func() error {
		return s.execute(ctx, e)
	})
}

// evaluate relative方言首次评估时以当前分钟为参考计算到期时间
func (s *MemoryScheduler) evaluate(e *entry, now time.Time) matcher.Result {
	if e.expr.Dialect() != matcher.DialectRelative {
		return e.expr.Match(now)
	}
	if e.exhausted {
		return matcher.NotDue()
	}
	if e.next.IsZero() {
		next, err := e.expr.Next(now)
		if err != nil {
			e.exhausted = true
			return matcher.Failed(err)
		}
		e.next = next
	}
	if now.Before(e.next) {
		return matcher.NotDue()
	}
	return matcher.Due()
}

func (s *MemoryScheduler) advance(e *entry, now time.Time) {
	if e.expr.Dialect() != matcher.DialectRelative {
		return
	}
	next, err := e.expr.Next(now)
	if err != nil {
		e.exhausted = true
		s.logger.Warn("job has no next due time", Field{Key: "job", Val: e.id}, Field{Key: "err", Val: err.Error()})
		return
	}
	e.next = next
}
