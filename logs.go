package minute_scheduler

import (
	"fmt"
	"os"
	"strings"

	_const "github.com/TimeWtr/minute_scheduler/const"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger interface {
	Debug(msg string, args ...Field)
	Info(msg string, args ...Field)
	Warn(msg string, args ...Field)
	Error(msg string, args ...Field)
	// Critical Job执行失败或Job可能卡死在执行中状态
	Critical(msg string, args ...Field)
}

type Field struct {
	Key string
	Val any
}

type ZapLogger struct {
	zap *zap.Logger
}

func NewZapLogger(zap *zap.Logger) Logger {
	return &ZapLogger{zap: zap}
}

// NewStderrLogger 未配置日志时的默认实现，JSON格式输出到标准错误
func NewStderrLogger() Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	return NewZapLogger(zap.New(core))
}

func (z *ZapLogger) Debug(msg string, args ...Field) {
	z.zap.Debug(msg, z.toZapFields(args)...)
}

func (z *ZapLogger) Info(msg string, args ...Field) {
	z.zap.Info(msg, z.toZapFields(args)...)
}

func (z *ZapLogger) Warn(msg string, args ...Field) {
	z.zap.Warn(msg, z.toZapFields(args)...)
}

func (z *ZapLogger) Error(msg string, args ...Field) {
	z.zap.Error(msg, z.toZapFields(args)...)
}

// Critical zap没有critical级别，使用error级别并附加severity字段
func (z *ZapLogger) Critical(msg string, args ...Field) {
	fields := append(z.toZapFields(args), zap.String("severity", _const.LevelCritical.String()))
	z.zap.Error(msg, fields...)
}

func (z *ZapLogger) toZapFields(args []Field) []zap.Field {
	res := make([]zap.Field, 0, len(args)+1)
	for _, arg := range args {
		res = append(res, zap.Any(arg.Key, arg.Val))
	}

	return res
}

// SinkFunc 外部日志接收方，只接受级别和消息字符串
type SinkFunc func(level string, msg string)

// SinkLogger 将结构化字段拼接到消息中再交给外部接收方，接收方panic不会影响调度
type SinkLogger struct {
	sink SinkFunc
}

func NewSinkLogger(sink SinkFunc) Logger {
	return &SinkLogger{sink: sink}
}

func (s *SinkLogger) Debug(msg string, args ...Field) {
	s.log(_const.LevelDebug, msg, args)
}

func (s *SinkLogger) Info(msg string, args ...Field) {
	s.log(_const.LevelInfo, msg, args)
}

func (s *SinkLogger) Warn(msg string, args ...Field) {
	s.log(_const.LevelWarning, msg, args)
}

func (s *SinkLogger) Error(msg string, args ...Field) {
	s.log(_const.LevelError, msg, args)
}

func (s *SinkLogger) Critical(msg string, args ...Field) {
	s.log(_const.LevelCritical, msg, args)
}

func (s *SinkLogger) log(level _const.Level, msg string, args []Field) {
	defer func() {
		_ = recover()
	}()

	if s.sink == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(msg)
	for _, arg := range args {
		sb.WriteString(fmt.Sprintf(" %s=%v", arg.Key, arg.Val))
	}
	s.sink(level.String(), sb.String())
}

// safeLogger 日志实现panic时吞掉，日志异常不能中断调度
type safeLogger struct {
	l Logger
}

func newSafeLogger(l Logger) Logger {
	if _, ok := l.(*safeLogger); ok {
		return l
	}
	return &safeLogger{l: l}
}

func (s *safeLogger) Debug(msg string, args ...Field) {
	defer func() { _ = recover() }()
	s.l.Debug(msg, args...)
}

func (s *safeLogger) Info(msg string, args ...Field) {
	defer func() { _ = recover() }()
	s.l.Info(msg, args...)
}

func (s *safeLogger) Warn(msg string, args ...Field) {
	defer func() { _ = recover() }()
	s.l.Warn(msg, args...)
}

func (s *safeLogger) Error(msg string, args ...Field) {
	defer func() { _ = recover() }()
	s.l.Error(msg, args...)
}

func (s *safeLogger) Critical(msg string, args ...Field) {
	defer func() { _ = recover() }()
	s.l.Critical(msg, args...)
}
