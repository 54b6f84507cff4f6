package minute_scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TimeWtr/minute_scheduler/domain"
	"github.com/TimeWtr/minute_scheduler/repository"
)

// keepAlive 抢占记录的续约，执行时间较长的Job定期刷新抢占时间，
// 防止被其他节点当作过期记录回收
type keepAlive struct {
	store   repository.JobStore
	rec     domain.JobRecord
	clock   Clock
	logger  Logger
	timeout time.Duration
	// 关闭通道
	closeCh chan struct{}
	once    *sync.Once
	done    chan struct{}
}

func newKeepAlive(s *PersistentScheduler, rec domain.JobRecord) *keepAlive {
	return &keepAlive{
		store:   s.store,
		rec:     rec,
		clock:   s.clock,
		logger:  s.logger,
		timeout: s.storeTimeout,
		closeCh: make(chan struct{}),
		once:    &sync.Once{},
		done:    make(chan struct{}),
	}
}

// refreshInterval 在过期时间内至少续约两次
func refreshInterval(staleAfter time.Duration) time.Duration {
	return staleAfter / 3
}

func (k *keepAlive) refresh(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.store.Refresh(lctx, k.rec, k.clock.Now())
}

// run 阻塞续约直到stop或ctx结束，记录已经不属于当前节点时停止续约
func (k *keepAlive) run(ctx context.Context, interval time.Duration) {
	defer close(k.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.closeCh:
			// 主动停止续约
			return
		case <-ticker.C:
			err := k.refresh(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, repository.ErrReleaseConflict) {
				k.logger.Warn("job record lost while running, stop refreshing",
					Field{Key: "job", Val: k.rec.ID})
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// 超时导致续约失败，立刻重试一次
				err = k.refresh(ctx)
			}
			if err != nil {
				k.logger.Error("failed to refresh job claim",
					Field{Key: "job", Val: k.rec.ID}, Field{Key: "err", Val: err.Error()})
			}
		}
	}
}

// stop 停止续约并等待续约协程退出，保证释放记录之后不再有续约写入
func (k *keepAlive) stop() {
	k.once.Do(func() {
		close(k.closeCh)
	})
	<-k.done
}
