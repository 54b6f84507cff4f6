package matcher

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// canonicalLayout pattern渲染结果匹配的目标格式
const canonicalLayout = "2006-01-02 15:04"

// validationInstant 解析时用于校验正则合法性的固定时间，token渲染结果不含正则元字符，
// 所以合法性与具体时间无关
var validationInstant = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Pattern 格式化模板表达式
// 渲染分两遍：已知token替换为now对应字段的值，\x 输出字面量x，其余字符原样交给正则。
// 渲染结果作为后缀正则 (?:...)$ 与now的 YYYY-MM-DD HH:MM 形式匹配。
// 例如 "09:00" 只在九点整匹配，"H:30" 在每小时30分匹配，空模板每分钟都匹配。
type Pattern struct {
	expr string
}

func NewPattern(expr string) (*Pattern, error) {
	p := &Pattern{expr: expr}
	if _, err := regexp.Compile(p.regex(validationInstant)); err != nil {
		return nil, invalid(expr, err)
	}
	return p, nil
}

func (p *Pattern) Dialect() Dialect { return DialectPattern }

func (p *Pattern) String() string { return p.expr }

// Render 第一遍渲染：替换token
func (p *Pattern) Render(now time.Time) string {
	return render(p.expr, Truncate(now))
}

func (p *Pattern) Match(now time.Time) Result {
	now = Truncate(now)
	re, err := regexp.Compile(p.regex(now))
	if err != nil {
		return Failed(invalid(p.expr, err))
	}
	if !re.MatchString(now.Format(canonicalLayout)) {
		return NotDue()
	}
	return Due()
}

// Next 逐分钟向后搜索，渲染结果相同的正则只编译一次
func (p *Pattern) Next(ref time.Time) (time.Time, error) {
	start := Truncate(ref)
	compiled := make(map[string]*regexp.Regexp)
	for t := start.Add(time.Minute); !t.After(start.Add(SearchHorizon)); t = t.Add(time.Minute) {
		src := p.regex(t)
		re, ok := compiled[src]
		if !ok {
			var err error
			re, err = regexp.Compile(src)
			if err != nil {
				return time.Time{}, invalid(p.expr, err)
			}
			compiled[src] = re
		}
		if re.MatchString(t.Format(canonicalLayout)) {
			return t, nil
		}
	}
	return time.Time{}, ErrNoNextDue
}

func (p *Pattern) regex(now time.Time) string {
	return "(?:" + render(p.expr, now) + ")$"
}

func render(expr string, now time.Time) string {
	var sb strings.Builder
	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) {
			i++
			sb.WriteString(regexp.QuoteMeta(string(runes[i])))
			continue
		}
		if v, ok := token(r, now); ok {
			sb.WriteString(regexp.QuoteMeta(v))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// token 日期格式token，与常见的date()格式字符保持一致
func token(r rune, t time.Time) (string, bool) {
	switch r {
	case 'd':
		return t.Format("02"), true
	case 'D':
		return t.Format("Mon"), true
	case 'j':
		return strconv.Itoa(t.Day()), true
	case 'l':
		return t.Format("Monday"), true
	case 'N':
		wd := int(t.Weekday())
		if wd == 0 {
			wd = 7
		}
		return strconv.Itoa(wd), true
	case 'w':
		return strconv.Itoa(int(t.Weekday())), true
	case 'm':
		return t.Format("01"), true
	case 'n':
		return strconv.Itoa(int(t.Month())), true
	case 'M':
		return t.Format("Jan"), true
	case 'F':
		return t.Format("January"), true
	case 'Y':
		return t.Format("2006"), true
	case 'y':
		return t.Format("06"), true
	case 'H':
		return t.Format("15"), true
	case 'G':
		return strconv.Itoa(t.Hour()), true
	case 'h':
		return t.Format("03"), true
	case 'g':
		return t.Format("3"), true
	case 'i':
		return t.Format("04"), true
	case 's':
		return t.Format("05"), true
	case 'a':
		return t.Format("pm"), true
	case 'A':
		return t.Format("PM"), true
	default:
		return "", false
	}
}
