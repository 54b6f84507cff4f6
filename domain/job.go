package domain

import (
	"time"

	_const "github.com/TimeWtr/minute_scheduler/const"
)

// JobRecord 持久化的Job调度记录
type JobRecord struct {
	// ID Job的唯一标识，与注册时的名称一致
	ID string
	// Running 是否已被某个节点抢占执行
	Running bool
	// DueAt 下次到期时间，分钟精度
	DueAt time.Time
	// Epoch 乐观锁版本，每次抢占和释放都会变化
	Epoch int64
	// ClaimedAt 最近一次被抢占的时间
	ClaimedAt time.Time
}

func (r JobRecord) Status() _const.SchedulerStatus {
	return _const.StatusOf(r.Running)
}

// IsDue 是否到期且空闲
func (r JobRecord) IsDue(now time.Time) bool {
	return !r.Running && !r.DueAt.After(now)
}
