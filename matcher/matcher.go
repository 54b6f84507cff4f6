package matcher

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidExpression = errors.New("invalid time expression")
	ErrNoNextDue         = errors.New("no next due time within search horizon")
	ErrNeedsReference    = errors.New("relative expression needs a reference instant")
)

// SearchHorizon pattern表达式向后搜索下一次到期时间的最大范围
const SearchHorizon = 366 * 24 * time.Hour

// Dialect 时间表达式方言
type Dialect int

const (
	DialectPattern  Dialect = 0x00000001 // 格式化模板，渲染后与当前分钟匹配
	DialectRelative Dialect = 0x00000002 // 自然语言相对时间，如 "+1 minute"、"next monday 09:00"
	DialectCron     Dialect = 0x00000003 // 标准五段cron表达式或@描述符
)

func (d Dialect) String() string {
	switch d {
	case DialectPattern:
		return "pattern"
	case DialectRelative:
		return "relative"
	case DialectCron:
		return "cron"
	default:
		return "unknown"
	}
}

// State 匹配结果状态
type State int

const (
	StateDue    State = 0x00000001
	StateNotDue State = 0x00000002
	StateError  State = 0x00000003
)

func (s State) String() string {
	switch s {
	case StateDue:
		return "due"
	case StateNotDue:
		return "not-due"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result 三态匹配结果，NotDue是常规结果，不是错误
type Result struct {
	State State
	Err   error
}

func Due() Result    { return Result{State: StateDue} }
func NotDue() Result { return Result{State: StateNotDue} }

func Failed(err error) Result {
	return Result{State: StateError, Err: err}
}

func (r Result) IsDue() bool { return r.State == StateDue }

// Expression 解析后的时间表达式
type Expression interface {
	// Dialect 表达式方言
	Dialect() Dialect
	// String 原始表达式
	String() string
	// Match 判断now所在的分钟是否到期
	Match(now time.Time) Result
	// Next 严格晚于ref的下一次到期时间，分钟精度
	Next(ref time.Time) (time.Time, error)
}

// Matcher 时间表达式解析器
type Matcher interface {
	Parse(expr string) (Expression, error)
}

type defaultMatcher struct{}

// Default 默认的解析器，按前缀或形态自动识别方言
var Default Matcher = defaultMatcher{}

func (defaultMatcher) Parse(expr string) (Expression, error) {
	return Parse(expr)
}

var relativeKeywords = []string{
	"in", "next", "this", "last", "tomorrow", "today", "noon", "midnight",
}

// Parse 解析时间表达式
// 识别顺序：
// 1. 显式前缀 pattern: / relative: / cron:
// 2. @开头或能被解析的五段式为cron
// 3. +开头或以相对时间关键词开头为relative
// 4. 其余按pattern处理
func Parse(expr string) (Expression, error) {
	if rest, ok := cutPrefix(expr, "pattern:"); ok {
		return NewPattern(rest)
	}
	if rest, ok := cutPrefix(expr, "relative:"); ok {
		return NewRelative(rest)
	}
	if rest, ok := cutPrefix(expr, "cron:"); ok {
		return NewCron(rest)
	}

	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "@") {
		return NewCron(trimmed)
	}
	if len(strings.Fields(trimmed)) == 5 {
		if c, err := NewCron(trimmed); err == nil {
			return c, nil
		}
	}
	if isRelative(trimmed) {
		return NewRelative(trimmed)
	}

	return NewPattern(expr)
}

// IsDue 便捷方法，表达式解析失败返回StateError
func IsDue(expr string, now time.Time) Result {
	e, err := Parse(expr)
	if err != nil {
		return Failed(err)
	}
	return e.Match(now)
}

// NextDue 便捷方法，计算严格晚于ref的下一次到期时间
func NextDue(expr string, ref time.Time) (time.Time, error) {
	e, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return e.Next(ref)
}

// Truncate 截断到分钟
func Truncate(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

func cutPrefix(expr, prefix string) (string, bool) {
	trimmed := strings.TrimLeft(expr, " \t")
	if len(trimmed) < len(prefix) || !strings.EqualFold(trimmed[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(trimmed[len(prefix):]), true
}

func isRelative(expr string) bool {
	if strings.HasPrefix(expr, "+") {
		return true
	}
	fields := strings.Fields(strings.ToLower(expr))
	if len(fields) == 0 {
		return false
	}
	for _, kw := range relativeKeywords {
		if fields[0] == kw {
			return true
		}
	}
	return false
}

func invalid(expr string, err error) error {
	return fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
}
