package matcher

import (
	"time"

	_const "github.com/TimeWtr/minute_scheduler/const"
	"github.com/robfig/cron/v3"
)

// Cron 标准cron表达式
type Cron struct {
	expr     string
	schedule cron.Schedule
}

func NewCron(expr string) (*Cron, error) {
	s, err := _const.Parser.Parse(expr)
	if err != nil {
		return nil, invalid(expr, err)
	}
	return &Cron{expr: expr, schedule: s}, nil
}

func (c *Cron) Dialect() Dialect { return DialectCron }

func (c *Cron) String() string { return c.expr }

func (c *Cron) Match(now time.Time) Result {
	now = Truncate(now)
	if step, ok := c.delayMinutes(); ok {
		// @every 没有固定的触发点，按Unix纪元以来的分钟数对齐
		if (now.Unix()/60)%step == 0 {
			return Due()
		}
		return NotDue()
	}
	if c.schedule.Next(now.Add(-time.Second)).Equal(now) {
		return Due()
	}
	return NotDue()
}

func (c *Cron) Next(ref time.Time) (time.Time, error) {
	ref = Truncate(ref)
	if step, ok := c.delayMinutes(); ok {
		// 与Match保持一致：下一个对齐的分钟
		m := ref.Unix()/60 + 1
		if r := m % step; r != 0 {
			m += step - r
		}
		return time.Unix(m*60, 0).In(ref.Location()), nil
	}
	next := c.schedule.Next(ref)
	if next.IsZero() {
		return time.Time{}, ErrNoNextDue
	}
	return Truncate(next), nil
}

// delayMinutes @every 的间隔，按分钟计，不足一分钟按一分钟处理
func (c *Cron) delayMinutes() (int64, bool) {
	s, ok := c.schedule.(cron.ConstantDelaySchedule)
	if !ok {
		return 0, false
	}
	step := int64(s.Delay / time.Minute)
	if step < 1 {
		step = 1
	}
	return step, true
}
