package minute_scheduler

import (
	"context"
	"time"
)

// RunLoop 按固定间隔重复执行tick，间隔会扣除tick本身的耗时。
// 不保证对齐整分钟，tick超过间隔时下一轮立即开始而不是跳过。
type RunLoop struct {
	clock    Clock
	interval time.Duration
	// 执行轮数，小于1时按1处理
	times int
}

func NewRunLoop(clock Clock, interval time.Duration, times int) *RunLoop {
	return &RunLoop{clock: clock, interval: interval, times: times}
}

// Times 实际执行的轮数
func (l *RunLoop) Times() int {
	if l.times < 1 {
		return 1
	}
	return l.times
}

func (l *RunLoop) Run(ctx context.Context, tick func(ctx context.Context, iteration int)) error {
	n := l.Times()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := l.clock.Now()
		tick(ctx, i)
		if i == n-1 {
			break
		}

		wait := l.interval - l.clock.Now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}
