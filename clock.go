package minute_scheduler

import (
	"context"
	"time"
)

// Clock 时间来源和等待，测试中替换为可控实现
type Clock interface {
	Now() time.Time
	// Sleep 等待d，ctx结束时提前返回ctx.Err()
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
