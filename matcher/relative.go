package matcher

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var offsetRe = regexp.MustCompile(`^\+\s*(\d+)\s*([A-Za-z]+)$`)

// parser when的解析器在Add之后只读，可以并发使用
var parser = newWhen()

func newWhen() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// Relative 自然语言相对时间表达式，基于参考时间计算，结果截断到分钟
type Relative struct {
	expr string
	text string
}

func NewRelative(expr string) (*Relative, error) {
	r := &Relative{expr: expr, text: normalize(expr)}
	if _, err := r.resolve(validationInstant); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Relative) Dialect() Dialect { return DialectRelative }

func (r *Relative) String() string { return r.expr }

// Match 相对时间没有固定的到期分钟，需要调用方持有参考时间并使用Next
func (r *Relative) Match(time.Time) Result {
	return Failed(ErrNeedsReference)
}

// Next 参考时间先截断到分钟，相同输入总是得到相同结果
func (r *Relative) Next(ref time.Time) (time.Time, error) {
	ref = Truncate(ref)
	t, err := r.resolve(ref)
	if err != nil {
		return time.Time{}, err
	}
	if !t.After(ref) {
		return time.Time{}, ErrNoNextDue
	}
	return t, nil
}

func (r *Relative) resolve(ref time.Time) (time.Time, error) {
	res, err := parser.Parse(r.text, ref)
	if err != nil {
		return time.Time{}, invalid(r.expr, err)
	}
	if res == nil {
		return time.Time{}, invalid(r.expr, errors.New("unrecognized relative time"))
	}
	return Truncate(res.Time), nil
}

// normalize "+1 minute" 改写为 "in 1 minute"
func normalize(expr string) string {
	text := strings.TrimSpace(expr)
	if m := offsetRe.FindStringSubmatch(text); m != nil {
		return "in " + m[1] + " " + m[2]
	}
	return text
}
