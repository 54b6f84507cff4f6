package minute_scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	_const "github.com/TimeWtr/minute_scheduler/const"
	"github.com/TimeWtr/minute_scheduler/domain"
	"github.com/TimeWtr/minute_scheduler/matcher"
	"github.com/TimeWtr/minute_scheduler/repository"
)

var (
	_ Scheduler = (*MemoryScheduler)(nil)
	_ Scheduler = (*PersistentScheduler)(nil)
)

// PersistentScheduler 基于共享存储的调度，多个进程使用相同的Job配置并发运行，
// 通过running标志位的条件更新保证同一个Job同一时刻只在一个进程中执行。
// 每轮重新读取墙上时间。
type PersistentScheduler struct {
	*SchedulerCore
	store repository.JobStore
	// 没有下一次到期时间的Job及其发现时间，避免每轮对账都重新搜索
	parked   map[string]time.Time
	parkedMu sync.Mutex
}

// parkRecheck 暂停计算的Job重新计算下一次到期时间的间隔
const parkRecheck = 24 * time.Hour

func NewPersistentScheduler(store repository.JobStore, opts ...Options) *PersistentScheduler {
	return &PersistentScheduler{
		SchedulerCore: newSchedulerCore(opts...),
		store:         store,
		parked:        map[string]time.Time{},
	}
}

// Process 启动前先对账一次，存储不可用时直接返回错误
func (s *PersistentScheduler) Process(ctx context.Context) error {
	if err := s.reconcile(ctx, matcher.Truncate(s.clock.Now())); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	loop := NewRunLoop(s.clock, _const.TickInterval, s.duration())
	return loop.Run(ctx, func(ctx context.Context, _ int) {
		s.Tick(ctx, s.clock.Now())
	})
}

// Tick 回收过期抢占、对账、抢占到期的Job并执行，存储异常只记录日志
func (s *PersistentScheduler) Tick(ctx context.Context, now time.Time) {
	now = matcher.Truncate(now)

	if s.staleAfter > 0 {
		s.releaseStale(ctx, now)
	}

	if err := s.reconcile(ctx, now); err != nil {
		s.logger.Error("failed to reconcile jobs", Field{Key: "err", Val: err.Error()})
	}

	lctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	due, err := s.store.FetchDue(lctx, now)
	cancel()
	if err != nil {
		s.logger.Error("failed to fetch due jobs", Field{Key: "err", Val: err.Error()})
		return
	}

	var wg sync.WaitGroup
	for _, rec := range due {
		e, ok := s.lookup(rec.ID)
		if !ok {
			s.logger.Warn("due job is not registered in this process", Field{Key: "job", Val: rec.ID})
			continue
		}

		if err = s.limiter.Acquire(ctx, 1); err != nil {
			// ctx结束，尚未抢占的Job留给下一轮或其他节点
			break
		}

		claimed, err := s.claim(ctx, rec, now)
		if err != nil {
			s.limiter.Release(1)
			if errors.Is(err, repository.ErrPreemptFailed) {
				s.logger.Debug("job already claimed by another process", Field{Key: "job", Val: rec.ID})
				continue
			}
			s.logger.Error("failed to claim job", Field{Key: "job", Val: rec.ID}, Field{Key: "err", Val: err.Error()})
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.limiter.Release(1)
			s.runClaimed(ctx, e, claimed, now)
		}()
	}
	wg.Wait()
}

func (s *PersistentScheduler) specs(now time.Time) []repository.JobSpec {
	jobs := s.snapshot()
	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()

	res := make([]repository.JobSpec, 0, len(jobs))
	for _, e := range jobs {
		at, ok := s.parked[e.id]
		res = append(res, repository.JobSpec{
			ID:       e.id,
			Schedule: e.expr,
			Parked:   ok && now.Sub(at) < parkRecheck,
		})
	}
	return res
}

func (s *PersistentScheduler) reconcile(ctx context.Context, now time.Time) error {
	lctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	specs := s.specs(now)
	res, err := s.store.Reconcile(lctx, specs, now)
	if res.Inserted > 0 || res.Deleted > 0 {
		s.logger.Info("reconciled jobs",
			Field{Key: "inserted", Val: res.Inserted},
			Field{Key: "deleted", Val: res.Deleted})
	}

	s.parkedMu.Lock()
	defer s.parkedMu.Unlock()
	for _, spec := range specs {
		if !spec.Parked {
			delete(s.parked, spec.ID)
		}
	}
	for _, id := range res.Unscheduled {
		s.parked[id] = now
		s.logger.Warn("job has no next due time", Field{Key: "job", Val: id})
	}
	return err
}

func (s *PersistentScheduler) releaseStale(ctx context.Context, now time.Time) {
	lctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	n, err := s.store.ReleaseStale(lctx, now.Add(-s.staleAfter))
	if err != nil {
		s.logger.Error("failed to release stale jobs", Field{Key: "err", Val: err.Error()})
		return
	}
	if n > 0 {
		s.logger.Warn("released stale claimed jobs", Field{Key: "count", Val: n})
	}
}

// claim 抢占策略为重试时，存储异常会重试，竞争失败不重试
func (s *PersistentScheduler) claim(ctx context.Context, rec domain.JobRecord, now time.Time) (domain.JobRecord, error) {
	var claimed domain.JobRecord
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		claimed, err = s.store.Claim(ctx, rec, now)
		return err
	}, func(err error) bool {
		return s.schedulerStrategy == _const.RetryPreemptStrategy &&
			!errors.Is(err, repository.ErrPreemptFailed)
	})
	return claimed, err
}

// runClaimed 执行并释放，下次到期时间基于本轮的参考时间计算而不是旧的due_at
func (s *PersistentScheduler) runClaimed(ctx context.Context, e *entry, claimed domain.JobRecord, now time.Time) {
	var ka *keepAlive
	if interval := refreshInterval(s.staleAfter); interval > 0 {
		ka = newKeepAlive(s, claimed)
		go ka.run(ctx, interval)
	}

	err := s.execute(ctx, e)
	if ka != nil {
		// 释放记录前停止续约
		ka.stop()
	}
	if err != nil {
		s.logger.Critical(err.Error(), Field{Key: "job", Val: e.id})
	}

	next, err := e.expr.Next(now)
	if err != nil {
		s.logger.Warn("job has no next due time, parked until search horizon",
			Field{Key: "job", Val: e.id}, Field{Key: "err", Val: err.Error()})
		next = now.Add(matcher.SearchHorizon)
	}

	// 执行期间ctx被取消也要释放记录
	rctx := context.WithoutCancel(ctx)
	err = s.withRetry(rctx, func(ctx context.Context) error {
		return s.store.Reset(ctx, claimed, next)
	}, func(err error) bool {
		return !errors.Is(err, repository.ErrReleaseConflict)
	})
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrReleaseConflict):
		s.logger.Warn("job record changed while running, skip reset",
			Field{Key: "job", Val: e.id})
	default:
		s.logger.Critical("failed to reset job, it may stay claimed",
			Field{Key: "job", Val: e.id},
			Field{Key: "status", Val: claimed.Status().String()},
			Field{Key: "err", Val: err.Error()})
	}
}
