package _const

import (
	"github.com/robfig/cron/v3"
)

// Parser 定时时间解析器，分钟级精度，不支持秒字段
var Parser = cron.NewParser(cron.Minute | cron.Hour |
	cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
