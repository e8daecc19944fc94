package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/imagecache/internal/pathcodec"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if strings.TrimSpace(g.CacheRoot) == "" {
		return newFieldError("Global.CacheRoot", "不能为空")
	}
	if err := validateIndexFile(g.IndexFile); err != nil {
		return err
	}
	if g.MaxConcurrentFetches <= 0 {
		return newFieldError("Global.MaxConcurrentFetches", "必须大于 0")
	}
	if g.FetchTimeout.DurationValue() <= 0 {
		return newFieldError("Global.FetchTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}

	for i, p := range c.Prefetch {
		if p.URL == "" {
			return newFieldError(prefetchField(i, "URL"), "不能为空")
		}
		if pathcodec.URLToRelativePath(p.URL) == "" {
			return newFieldError(prefetchField(i, "URL"), "无法映射为缓存路径")
		}
	}

	return nil
}

func validateIndexFile(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return newFieldError("Global.IndexFile", "不能为空")
	}
	if strings.ContainsAny(trimmed, `/\`) || trimmed == "." || trimmed == ".." {
		return newFieldError("Global.IndexFile", "只能是文件名，不允许包含路径")
	}
	return nil
}
