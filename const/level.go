package _const

// Level 日志严重级别
type Level int

const (
	LevelDebug    Level = 0x00000001
	LevelInfo     Level = 0x00000002
	LevelWarning  Level = 0x00000003
	LevelError    Level = 0x00000004
	LevelCritical Level = 0x00000005 // Job执行失败、Job可能卡死在running状态
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Less 严重程度比较
func (l Level) Less(v Level) bool {
	return l < v
}
