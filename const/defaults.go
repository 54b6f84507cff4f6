package _const

import "time"

const (
	// DefaultLimiter 持久化调度默认的并发执行数量，1即顺序执行
	DefaultLimiter int64 = 1
	// DefaultMinutes 默认运行的分钟数
	DefaultMinutes = 1
	// TickInterval 每轮调度的间隔
	TickInterval = time.Minute
	// DefaultRetryInterval 存储操作失败后的重试间隔
	DefaultRetryInterval = 200 * time.Millisecond
	// DefaultRetryMaxCount 存储操作失败后的最大重试次数
	DefaultRetryMaxCount = 3
	// DefaultStoreTimeout 单次存储操作超时时间
	DefaultStoreTimeout = 5 * time.Second
)
