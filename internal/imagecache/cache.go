package imagecache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imagecache/internal/cache"
	"github.com/any-hub/imagecache/internal/config"
	"github.com/any-hub/imagecache/internal/notify"
	"github.com/any-hub/imagecache/internal/queue"
	"github.com/any-hub/imagecache/internal/transport"
	"github.com/any-hub/imagecache/internal/version"
)

var (
	// ErrClosed 表示缓存已关闭。
	ErrClosed = errors.New("image cache closed")
	// ErrNotRequested 表示 URL 既未缓存也无法发起下载（无效 URL 或存储禁用）。
	ErrNotRequested = errors.New("image not cached and fetch not started")
)

// Options 用于构造 Cache。Transport 为空时按配置创建 HTTPTransport。
//
// Config 为零值时整体使用 config.Default().Global（重试 3 次、保留 TTL）。
// 非零值按原样使用，只有 CacheRoot、IndexFile、MaxConcurrentFetches、
// FetchTimeout 为空时回退到默认值；MaxRetries 为 0 表示不重试。
type Options struct {
	Config    config.GlobalConfig
	Transport transport.Transport
	Logger    *logrus.Logger
	Validator queue.Validator
	Now       func() time.Time
}

// Cache 组合 Store、Index、Queue 与 Bus。
type Cache struct {
	cfg    config.GlobalConfig
	store  cache.Store
	index  *cache.Index
	queue  *queue.Queue
	bus    *notify.Bus
	logger *logrus.Logger

	closeOnce sync.Once
	closeErr  error
}

// New 打开缓存目录、加载索引并执行一次启动清理。文件系统故障只会让缓存降级，不返回错误。
func New(opts Options) (*Cache, error) {
	cfg := withDefaults(opts.Config)
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	store := cache.OpenStore(cfg.CacheRoot, logger)

	indexPath := ""
	if store.Mode() != cache.ModeDisabled {
		indexPath = filepath.Join(store.Root(), cache.MetaDir, cfg.IndexFile)
		migrateLegacyIndex(filepath.Join(store.Root(), cfg.IndexFile), indexPath, logger)
	}
	index := cache.NewIndex(indexPath, store, logger, cache.WithClock(now))
	if err := index.Load(); err != nil {
		logger.WithFields(logrus.Fields{
			"action": "cache_index_load",
			"path":   indexPath,
		}).WithError(err).Warn("cache index unreadable, starting empty")
	}

	tr := opts.Transport
	if tr == nil {
		userAgent := cfg.UserAgent
		if userAgent == "" {
			userAgent = "imagecache/" + version.Version
		}
		tr = transport.NewHTTPTransport(transport.HTTPOptions{
			Logger:        logger,
			MaxConcurrent: cfg.MaxConcurrentFetches,
			Timeout:       cfg.FetchTimeout.DurationValue(),
			UserAgent:     userAgent,
		})
	}

	bus := notify.NewBus()
	q, err := queue.New(queue.Options{
		Store:              store,
		Index:              index,
		Transport:          tr,
		Bus:                bus,
		Logger:             logger,
		Validator:          opts.Validator,
		MaxRetries:         cfg.MaxRetries,
		PreserveTTLOnRetry: cfg.PreserveTTLOnRetry,
		NotifyFailures:     cfg.NotifyFailures,
		Now:                now,
	})
	if err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:    cfg,
		store:  store,
		index:  index,
		queue:  q,
		bus:    bus,
		logger: logger,
	}

	if _, err := c.Sweep(); err != nil {
		logger.WithField("action", "cache_sweep").WithError(err).Warn("startup sweep failed to persist")
	}

	logger.WithFields(logrus.Fields{
		"action":  "cache_open",
		"root":    store.Root(),
		"mode":    store.Mode(),
		"entries": index.Len(),
	}).Info("image cache ready")

	return c, nil
}

// Resolve 仅当文件此刻存在于磁盘上时返回其路径，否则返回空串。没有任何副作用。
func (c *Cache) Resolve(url string) string {
	path, ok := c.store.Lookup(url)
	if !ok {
		return ""
	}
	return path
}

// Request 以配置的默认 TTL（默认永不过期）请求下载，见 RequestTTL。
func (c *Cache) Request(url string) bool {
	return c.RequestTTL(url, c.cfg.DefaultTTL)
}

// RequestTTL 在未缓存且未在下载时发起下载，返回是否新建了下载。
// 完成情况只能通过订阅观察。
func (c *Cache) RequestTTL(url string, ttlSeconds int64) bool {
	return c.queue.Enqueue(url, ttlSeconds)
}

// Await 先订阅再请求，返回该 URL 的第一个完成事件；已缓存时立即返回。
// 未开启 NotifyFailures 时失败不会产生事件，调用方应通过 ctx 设置超时。
func (c *Cache) Await(ctx context.Context, url string) (notify.Event, error) {
	return c.AwaitTTL(ctx, url, c.cfg.DefaultTTL)
}

// AwaitTTL 同 Await，但使用指定 TTL。
func (c *Cache) AwaitTTL(ctx context.Context, url string, ttlSeconds int64) (notify.Event, error) {
	if path := c.Resolve(url); path != "" {
		return notify.Event{URL: url, Path: path}, nil
	}

	events, cancel := c.bus.SubscribeURL(url)
	defer cancel()

	if !c.RequestTTL(url, ttlSeconds) && !c.queue.IsPending(url) {
		if path := c.Resolve(url); path != "" {
			return notify.Event{URL: url, Path: path}, nil
		}
		select {
		case ev, ok := <-events:
			if ok {
				return ev, ev.Err
			}
		default:
		}
		return notify.Event{}, ErrNotRequested
	}

	select {
	case ev, ok := <-events:
		if !ok {
			return notify.Event{}, ErrClosed
		}
		return ev, ev.Err
	case <-ctx.Done():
		return notify.Event{}, ctx.Err()
	}
}

// Subscribe 订阅所有完成事件。
func (c *Cache) Subscribe() (<-chan notify.Event, context.CancelFunc) {
	return c.bus.Subscribe()
}

// SubscribeURL 只订阅指定 URL 的完成事件。
func (c *Cache) SubscribeURL(url string) (<-chan notify.Event, context.CancelFunc) {
	return c.bus.SubscribeURL(url)
}

// Pending 返回进行中的下载。
func (c *Cache) Pending() []queue.PendingFetch {
	return c.queue.Pending()
}

// Entries 返回索引快照。
func (c *Cache) Entries() cache.Entries {
	return c.index.Snapshot()
}

// Entry 返回单个 URL 的索引条目。
func (c *Cache) Entry(url string) (cache.Entry, bool) {
	return c.index.Lookup(url)
}

// Sweep 删除已过期的条目和文件，返回被移除的 URL。
func (c *Cache) Sweep() ([]string, error) {
	removed, err := c.index.Sweep()
	if len(removed) > 0 {
		c.logger.WithFields(logrus.Fields{
			"action":  "cache_sweep",
			"removed": len(removed),
		}).Info("expired images removed")
	}
	return removed, err
}

// Mode 返回存储当前的工作模式。
func (c *Cache) Mode() cache.Mode {
	return c.store.Mode()
}

// Root 返回生效的缓存根目录。
func (c *Cache) Root() string {
	return c.store.Root()
}

// Close 停止接收新请求，等待进行中的下载结束后保存索引并关闭所有订阅。
func (c *Cache) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs error
		if err := c.queue.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := c.index.Save(); err != nil {
			errs = multierror.Append(errs, err)
		}
		c.bus.Close()
		c.closeErr = errs
	})
	return c.closeErr
}

func withDefaults(cfg config.GlobalConfig) config.GlobalConfig {
	def := config.Default().Global
	if cfg == (config.GlobalConfig{}) {
		return def
	}
	if cfg.CacheRoot == "" {
		cfg.CacheRoot = def.CacheRoot
	}
	if cfg.IndexFile == "" {
		cfg.IndexFile = def.IndexFile
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = def.MaxConcurrentFetches
	}
	if cfg.FetchTimeout.DurationValue() <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return cfg
}

// migrateLegacyIndex 把旧版放在根目录的索引移入 MetaDir；目标已存在时不覆盖。
func migrateLegacyIndex(legacy, target string, logger *logrus.Logger) {
	if _, err := os.Stat(target); err == nil {
		return
	}
	if _, err := os.Stat(legacy); err != nil {
		return
	}
	fields := logrus.Fields{"action": "cache_index_migrate", "from": legacy, "to": target}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		logger.WithFields(fields).WithError(err).Warn("legacy index left in place")
		return
	}
	if err := os.Rename(legacy, target); err != nil {
		logger.WithFields(fields).WithError(err).Warn("legacy index left in place")
		return
	}
	logger.WithFields(fields).Info("legacy index moved")
}
