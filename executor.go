package minute_scheduler

import "context"

// Executor Job执行体抽象
type Executor interface {
	// Execute 执行一次，返回的错误会以critical级别记录，不会中断调度
	Execute(ctx context.Context) error
}

type ExecutorFunc func(ctx context.Context) error

func (f ExecutorFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// ActionFunc 无参数无返回值的执行体，panic视为执行失败
type ActionFunc func()

func (f ActionFunc) Execute(context.Context) error {
	f()
	return nil
}

func isNilExecutor(exec Executor) bool {
	switch f := exec.(type) {
	case nil:
		return true
	case ExecutorFunc:
		return f == nil
	case ActionFunc:
		return f == nil
	default:
		return false
	}
}
