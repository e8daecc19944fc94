package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认值与旧版图片加载器保持一致：10 并发、10 秒超时、永不过期。
const (
	DefaultListenPort    = 5080
	DefaultCacheRoot     = "./LazyImageCache"
	DefaultIndexFile     = "imageCacheInfo.json"
	DefaultTTLSeconds    = -1
	DefaultMaxConcurrent = 10
	DefaultFetchTimeout  = 10 * time.Second
	DefaultMaxRetries    = 3
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Prefetch {
		cfg.Prefetch[i].URL = strings.TrimSpace(cfg.Prefetch[i].URL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absRoot, err := filepath.Abs(cfg.Global.CacheRoot)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.CacheRoot = absRoot

	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，供嵌入式使用与测试。
func Default() *Config {
	cfg := &Config{Global: GlobalConfig{
		LogLevel:           "info",
		LogMaxSize:         100,
		LogMaxBackups:      10,
		LogCompress:        true,
		DefaultTTL:         DefaultTTLSeconds,
		PreserveTTLOnRetry: true,
		MaxRetries:         DefaultMaxRetries,
	}}
	applyGlobalDefaults(&cfg.Global)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", DefaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheRoot", DefaultCacheRoot)
	v.SetDefault("IndexFile", DefaultIndexFile)
	v.SetDefault("DefaultTTL", DefaultTTLSeconds)
	v.SetDefault("MaxConcurrentFetches", DefaultMaxConcurrent)
	v.SetDefault("FetchTimeout", "10s")
	v.SetDefault("MaxRetries", DefaultMaxRetries)
	v.SetDefault("PreserveTTLOnRetry", true)
	v.SetDefault("NotifyFailures", false)
	v.SetDefault("UserAgent", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = DefaultListenPort
	}
	if strings.TrimSpace(g.CacheRoot) == "" {
		g.CacheRoot = DefaultCacheRoot
	}
	if strings.TrimSpace(g.IndexFile) == "" {
		g.IndexFile = DefaultIndexFile
	}
	if g.MaxConcurrentFetches == 0 {
		g.MaxConcurrentFetches = DefaultMaxConcurrent
	}
	if g.FetchTimeout.DurationValue() == 0 {
		g.FetchTimeout = Duration(DefaultFetchTimeout)
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
