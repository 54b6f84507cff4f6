package _const

// SchedulerStatus 持久化Job的调度状态，由running标志位推导
type SchedulerStatus int

const (
	SchedulerStatusIdle    SchedulerStatus = 0x00000001 // 等待到期后抢占调度
	SchedulerStatusClaimed SchedulerStatus = 0x00000002 // 已被某个节点抢占，执行中
)

func StatusOf(running bool) SchedulerStatus {
	if running {
		return SchedulerStatusClaimed
	}
	return SchedulerStatusIdle
}

func (s SchedulerStatus) String() string {
	switch s {
	case SchedulerStatusIdle:
		return "Idle"
	case SchedulerStatusClaimed:
		return "Claimed"
	default:
		return "Unknown"
	}
}
