package minute_scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	_const "github.com/TimeWtr/minute_scheduler/const"
	"github.com/TimeWtr/minute_scheduler/lock"
	"github.com/TimeWtr/minute_scheduler/repository"
	"github.com/TimeWtr/minute_scheduler/repository/dao"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix 环境变量前缀，例如 SCHEDULER_MINUTES、SCHEDULER_STORE_DSN
const EnvPrefix = "SCHEDULER"

type Config struct {
	Minutes int           `mapstructure:"minutes"`
	Lock    LockConfig    `mapstructure:"lock"`
	Store   StoreConfig   `mapstructure:"store"`
	Preempt PreemptConfig `mapstructure:"preempt"`
	Log     LogConfig     `mapstructure:"log"`
}

type LockConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PreemptConfig struct {
	Strategy      string        `mapstructure:"strategy"`
	Limiter       int64         `mapstructure:"limiter"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryMaxCount int           `mapstructure:"retry_max_count"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LoadConfig 读取YAML配置文件，path为空时只使用默认值和环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("minutes", _const.DefaultMinutes)
	v.SetDefault("lock.enabled", false)
	v.SetDefault("lock.dir", "")
	v.SetDefault("store.driver", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.timeout", _const.DefaultStoreTimeout)
	v.SetDefault("preempt.strategy", _const.TryPreemptStrategy.String())
	v.SetDefault("preempt.limiter", _const.DefaultLimiter)
	v.SetDefault("preempt.retry_interval", _const.DefaultRetryInterval)
	v.SetDefault("preempt.retry_max_count", _const.DefaultRetryMaxCount)
	v.SetDefault("preempt.stale_after", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	// 先单独校验分钟数，避免浮点数被静默截断
	minutes, err := parseMinutes(v.Get("minutes"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	v.Set("minutes", minutes)
	if err = v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if _, ok := _const.ParsePreemptStrategy(cfg.Preempt.Strategy); !ok {
		return nil, fmt.Errorf("unknown preempt strategy %q", cfg.Preempt.Strategy)
	}

	return cfg, nil
}

func parseMinutes(raw any) (int, error) {
	switch val := raw.(type) {
	case int:
		return val, nil
	case int32:
		return int(val), nil
	case int64:
		return int(val), nil
	case uint64:
		if val > math.MaxInt32 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidDuration, val)
		}
		return int(val), nil
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, val)
		}
		return int(val), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, raw)
	}
}

// Options 转换为调度器选项
func (c *Config) Options() []Options {
	strategy, _ := _const.ParsePreemptStrategy(c.Preempt.Strategy)
	interval, maxCount := c.Preempt.RetryInterval, c.Preempt.RetryMaxCount

	opts := []Options{
		WithDuration(c.Minutes),
		WithPreemptStrategy(strategy),
		WithLimiter(c.Preempt.Limiter),
		WithStaleAfter(c.Preempt.StaleAfter),
		WithStoreTimeout(c.Store.Timeout),
		WithRetryStrategy(func() RetryStrategy {
			return NewFixedScheduleStrategy(interval, maxCount)
		}),
	}
	if c.Lock.Enabled {
		opts = append(opts, WithLockGuard(lock.NewGuard(c.Lock.Dir)))
	}
	return opts
}

// NewLogger 按配置构建zap日志
func (c *Config) NewLogger() (Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}

	if c.Log.Level != "" {
		level, err := zapcore.ParseLevel(c.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l), nil
}

// OpenStore 打开持久化存储，未配置驱动时返回错误
func (c *Config) OpenStore() (repository.JobStore, error) {
	if c.Store.Driver == "" {
		return nil, fmt.Errorf("store driver is not configured")
	}

	db, err := dao.Open(c.Store.Driver, c.Store.DSN)
	if err != nil {
		return nil, err
	}
	return repository.NewJobRepository(dao.NewGORMJobDAO(db)), nil
}
