package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	g := cfg.Global
	if g.FetchTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("FetchTimeout 应解析为 15s，得到 %s", g.FetchTimeout.DurationValue())
	}
	if g.MaxConcurrentFetches != DefaultMaxConcurrent {
		t.Fatalf("MaxConcurrentFetches 应自动填充默认值，得到 %d", g.MaxConcurrentFetches)
	}
	if g.IndexFile != DefaultIndexFile {
		t.Fatalf("IndexFile 默认值错误: %s", g.IndexFile)
	}
	if g.DefaultTTL != DefaultTTLSeconds {
		t.Fatalf("DefaultTTL 默认应为永不过期，得到 %d", g.DefaultTTL)
	}
	if !g.PreserveTTLOnRetry {
		t.Fatalf("PreserveTTLOnRetry 默认应开启")
	}
	if g.MaxRetries != 2 {
		t.Fatalf("MaxRetries 应读取配置值，得到 %d", g.MaxRetries)
	}
	if !filepath.IsAbs(g.CacheRoot) {
		t.Fatalf("CacheRoot 应转为绝对路径: %s", g.CacheRoot)
	}
	if len(cfg.Prefetch) != 2 {
		t.Fatalf("应解析两个预热条目，得到 %d", len(cfg.Prefetch))
	}
	if ttl := cfg.EffectiveTTL(cfg.Prefetch[0]); ttl != 3600 {
		t.Fatalf("显式 TTL 应生效，得到 %d", ttl)
	}
	if ttl := cfg.EffectiveTTL(cfg.Prefetch[1]); ttl != DefaultTTLSeconds {
		t.Fatalf("未设置 TTL 时应退回全局值，得到 %d", ttl)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeTempConfig(t, `
CacheRoot = "./data"
FetchTimeout = "boom"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsPlainSeconds(t *testing.T) {
	path := writeTempConfig(t, `
CacheRoot = "./data"
FetchTimeout = 30
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.FetchTimeout.DurationValue() != 30*time.Second {
		t.Fatalf("纯数字应按秒解析，得到 %s", cfg.Global.FetchTimeout.DurationValue())
	}
}

func TestValidateFieldErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port", func(c *Config) { c.Global.ListenPort = 70000 }, "Global.ListenPort"},
		{"log level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel"},
		{"concurrency", func(c *Config) { c.Global.MaxConcurrentFetches = 0 }, "Global.MaxConcurrentFetches"},
		{"timeout", func(c *Config) { c.Global.FetchTimeout = Duration(-time.Second) }, "Global.FetchTimeout"},
		{"retries", func(c *Config) { c.Global.MaxRetries = -1 }, "Global.MaxRetries"},
		{"index file path", func(c *Config) { c.Global.IndexFile = "../escape.json" }, "Global.IndexFile"},
		{"prefetch url", func(c *Config) { c.Prefetch = []PrefetchConfig{{URL: ""}} }, "Prefetch[0].URL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("期望 FieldError，得到 %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("字段路径错误: 期望 %s 得到 %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("2m")); err != nil || d.DurationValue() != 2*time.Minute {
		t.Fatalf("2m 解析错误: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("0x10")); err != nil || d.DurationValue() != 16*time.Second {
		t.Fatalf("0x10 解析错误: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("nope")); err == nil {
		t.Fatalf("非法值应报错")
	}
}
