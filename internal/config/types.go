package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "10s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述缓存、下载队列、日志与诊断端口的运行参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	CacheRoot string `mapstructure:"CacheRoot"`
	IndexFile string `mapstructure:"IndexFile"`
	// DefaultTTL 单位为秒，负数表示永不过期。
	DefaultTTL int64 `mapstructure:"DefaultTTL"`

	MaxConcurrentFetches int      `mapstructure:"MaxConcurrentFetches"`
	FetchTimeout         Duration `mapstructure:"FetchTimeout"`
	MaxRetries           int      `mapstructure:"MaxRetries"`
	PreserveTTLOnRetry   bool     `mapstructure:"PreserveTTLOnRetry"`
	NotifyFailures       bool     `mapstructure:"NotifyFailures"`
	UserAgent            string   `mapstructure:"UserAgent"`
}

// PrefetchConfig 描述启动时需要预热的图片。
type PrefetchConfig struct {
	URL string `mapstructure:"URL"`
	// TTL 为空时使用 Global.DefaultTTL。
	TTL *int64 `mapstructure:"TTL"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig     `mapstructure:",squash"`
	Prefetch []PrefetchConfig `mapstructure:"Prefetch"`
}

// EffectiveTTL 返回预热条目生效的 TTL（秒），未设置时回退至全局默认值。
func (c *Config) EffectiveTTL(p PrefetchConfig) int64 {
	if p.TTL != nil {
		return *p.TTL
	}
	return c.Global.DefaultTTL
}
