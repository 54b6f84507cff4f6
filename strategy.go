package minute_scheduler

import (
	"errors"
	"time"

	_const "github.com/TimeWtr/minute_scheduler/const"
)

var ErrOverMaxCount = errors.New("over max count")

// RetryStrategy 存储操作失败后的重试策略，每次重试序列使用一个新实例
type RetryStrategy interface {
	Next() (time.Duration, error)
}

type FixedScheduleStrategy struct {
	// 固定时间间隔
	interval time.Duration
	// 最大重试次数
	maxCount int
	// 当前已经重试的次数
	counter int
}

func NewFixedScheduleStrategy(interval time.Duration, maxCount int) *FixedScheduleStrategy {
	return &FixedScheduleStrategy{
		interval: interval,
		maxCount: maxCount,
	}
}

func (s *FixedScheduleStrategy) Next() (time.Duration, error) {
	if s.counter >= s.maxCount {
		return 0, ErrOverMaxCount
	}
	s.counter++
	return s.interval, nil
}

func defaultRetryStrategy() RetryStrategy {
	return NewFixedScheduleStrategy(_const.DefaultRetryInterval, _const.DefaultRetryMaxCount)
}
