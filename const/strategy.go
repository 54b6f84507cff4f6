package _const

// PreemptStrategy 抢占策略
type PreemptStrategy int

const (
	TryPreemptStrategy   PreemptStrategy = 0x00000001 // 每次调度只尝试抢占一次，抢占失败则等待下次调度
	RetryPreemptStrategy PreemptStrategy = 0x00000002 // 存储异常导致抢占失败时进行有限次的重试，竞争失败不重试
)

func (s PreemptStrategy) String() string {
	switch s {
	case TryPreemptStrategy:
		return "try-preempt"
	case RetryPreemptStrategy:
		return "retry-preempt"
	default:
		return "unknown"
	}
}

// ParsePreemptStrategy 从配置字符串解析抢占策略
func ParsePreemptStrategy(s string) (PreemptStrategy, bool) {
	switch s {
	case "", "try", "try-preempt":
		return TryPreemptStrategy, true
	case "retry", "retry-preempt":
		return RetryPreemptStrategy, true
	default:
		return 0, false
	}
}
