package minute_scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make([]time.Duration, len(c.sleeps))
	copy(res, c.sleeps)
	return res
}

func newObservedLogger() (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewZapLogger(zap.New(core)), logs
}

func criticalCount(logs *observer.ObservedLogs) int {
	return logs.FilterField(zap.String("severity", "critical")).Len()
}

// recorder 记录Job的执行顺序
type recorder struct {
	mu    sync.Mutex
	trace []string
}

func (r *recorder) job(name string) ExecutorFunc {
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.trace = append(r.trace, name)
		return nil
	}
}

func (r *recorder) Trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]string, len(r.trace))
	copy(res, r.trace)
	return res
}

func (r *recorder) Count(name string) int {
	n := 0
	for _, s := range r.Trace() {
		if s == name {
			n++
		}
	}
	return n
}

// panicLogger Critical时panic，其余级别正常记录
type panicLogger struct {
	Logger
}

func (panicLogger) Critical(string, ...Field) {
	panic("sink down")
}
