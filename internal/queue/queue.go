// Package queue 实现去重的异步下载队列：同一 URL 同时至多一个传输请求，
// 成功后校验图片、写入索引并通过 notify.Bus 通知订阅者；超时类失败按预算自动重试。
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imagecache/internal/cache"
	"github.com/any-hub/imagecache/internal/logging"
	"github.com/any-hub/imagecache/internal/notify"
	"github.com/any-hub/imagecache/internal/transport"
)

// DefaultMaxRetries 是超时类失败的默认自动重试次数。
const DefaultMaxRetries = 3

// ErrClosed 表示队列已停止接收新请求。
var ErrClosed = errors.New("download queue closed")

// Options 汇总队列依赖；Store/Index/Transport/Bus 为必填。
type Options struct {
	Store     cache.Store
	Index     *cache.Index
	Transport transport.Transport
	Bus       *notify.Bus
	Logger    *logrus.Logger
	Validator Validator

	// MaxRetries 为负数时视为 0。
	MaxRetries int
	// PreserveTTLOnRetry 为 false 时重试请求的 TTL 退化为永不过期（旧版行为）。
	PreserveTTLOnRetry bool
	// NotifyFailures 为 true 时终态失败也会发布带 Err 的事件。
	NotifyFailures bool

	Now func() time.Time
}

// Queue 中唯一的共享可变状态是 pending；去重检查与登记在同一把锁内完成，
// 传输调用与文件校验都在锁外进行。
type Queue struct {
	store     cache.Store
	index     *cache.Index
	transport transport.Transport
	bus       *notify.Bus
	logger    *logrus.Logger
	validate  Validator

	maxRetries     int
	preserveTTL    bool
	notifyFailures bool
	now            func() time.Time

	mu      sync.Mutex
	pending map[string]PendingFetch
	closed  bool
	wg      sync.WaitGroup
}

// New 构造下载队列。
func New(opts Options) (*Queue, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Index == nil {
		return nil, errors.New("cache index is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("notification bus is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	validate := opts.Validator
	if validate == nil {
		validate = ValidateImage
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Queue{
		store:          opts.Store,
		index:          opts.Index,
		transport:      opts.Transport,
		bus:            opts.Bus,
		logger:         logger,
		validate:       validate,
		maxRetries:     maxRetries,
		preserveTTL:    opts.PreserveTTLOnRetry,
		notifyFailures: opts.NotifyFailures,
		now:            now,
		pending:        make(map[string]PendingFetch),
	}, nil
}

// Enqueue 为 url 启动下载，返回 true 表示新建了一个传输请求。
// 以下情况直接跳过并返回 false：URL 无法映射路径、文件已缓存（不刷新 TTL）、
// 同一 URL 已在下载中、队列已关闭。ttlSeconds 为负数表示永不过期。
func (q *Queue) Enqueue(url string, ttlSeconds int64) bool {
	return q.enqueue(url, ttlSeconds, 0)
}

func (q *Queue) enqueue(url string, ttlSeconds int64, attempt int) bool {
	filePath, err := q.store.Path(url)
	if err != nil {
		q.logger.WithFields(logging.FetchFields("fetch_skip", url, "", attempt)).
			WithError(err).Debug("invalid url")
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if _, ok := q.store.Lookup(url); ok {
		q.mu.Unlock()
		q.logger.WithFields(logging.FetchFields("fetch_skip", url, "", attempt)).Debug("already cached")
		return false
	}
	if _, ok := q.pending[url]; ok {
		q.mu.Unlock()
		q.logger.WithFields(logging.FetchFields("fetch_skip", url, "", attempt)).Debug("already pending")
		return false
	}
	fetch := PendingFetch{
		ID:         uuid.NewString(),
		URL:        url,
		LocalPath:  filePath,
		TTLSeconds: ttlSeconds,
		Attempt:    attempt,
		StartedAt:  q.now(),
	}
	q.pending[url] = fetch
	q.wg.Add(1)
	q.mu.Unlock()

	if _, err := q.store.Prepare(url); err != nil {
		q.release(fetch)
		q.wg.Done()
		q.logger.WithFields(logging.FetchFields("fetch_skip", url, fetch.ID, attempt)).
			WithError(err).Warn("prepare cache dir failed")
		return false
	}

	q.logger.WithFields(logging.FetchFields("fetch_start", url, fetch.ID, attempt)).
		WithField("path", filePath).Info("download started")

	task := transport.Task{
		ID:          fetch.ID,
		URL:         url,
		StoragePath: filePath + cache.StagingSuffix,
	}
	q.transport.Start(context.Background(), task, func(outcome transport.Outcome) {
		q.complete(fetch, outcome)
	})
	return true
}

func (q *Queue) complete(fetch PendingFetch, outcome transport.Outcome) {
	defer q.wg.Done()

	if outcome.OK() {
		q.completeSuccess(fetch, outcome)
		return
	}

	q.release(fetch)
	failure := outcome.Failure
	fields := logging.FailureFields(
		logging.FetchFields("fetch_failed", fetch.URL, fetch.ID, fetch.Attempt),
		failure.Code, failure.InternalCode,
	)

	var terminal error = failure
	if failure.Retryable() {
		if fetch.Attempt < q.maxRetries {
			ttl := cache.NeverExpires
			if q.preserveTTL {
				ttl = fetch.TTLSeconds
			}
			fields["action"] = "fetch_retry"
			fields["ttl_seconds"] = ttl
			q.logger.WithFields(fields).Warn(failure.Message)
			if q.enqueue(fetch.URL, ttl, fetch.Attempt+1) || q.IsPending(fetch.URL) {
				return
			}
			if _, ok := q.store.Lookup(fetch.URL); ok {
				return
			}
			// 队列已关闭，重试无法发起。
			terminal = fmt.Errorf("%w: %w", ErrClosed, failure)
			q.publishFailure(fetch, terminal)
			return
		}
		terminal = fmt.Errorf("%w: %w", ErrRetryBudgetExhausted, failure)
	}

	q.logger.WithFields(fields).Warn(terminal.Error())
	q.publishFailure(fetch, terminal)
}

func (q *Queue) completeSuccess(fetch PendingFetch, outcome transport.Outcome) {
	staged := outcome.StoragePath
	if staged == "" {
		staged = fetch.LocalPath + cache.StagingSuffix
	}

	if err := q.validate(staged); err != nil {
		_ = os.Remove(staged)
		q.release(fetch)
		q.logger.WithFields(logging.FetchFields("fetch_invalid", fetch.URL, fetch.ID, fetch.Attempt)).
			WithError(err).Warn("download done but no image")
		q.publishFailure(fetch, fmt.Errorf("%w: %w", ErrCorruptPayload, err))
		return
	}

	if staged != fetch.LocalPath {
		if err := os.Rename(staged, fetch.LocalPath); err != nil {
			_ = os.Remove(staged)
			q.release(fetch)
			q.logger.WithFields(logging.FetchFields("fetch_failed", fetch.URL, fetch.ID, fetch.Attempt)).
				WithError(err).Warn("move download into cache failed")
			q.publishFailure(fetch, err)
			return
		}
	}

	q.release(fetch)
	if err := q.index.Upsert(fetch.URL, fetch.TTLSeconds); err != nil {
		q.logger.WithFields(logging.FetchFields("cache_index_save", fetch.URL, fetch.ID, fetch.Attempt)).
			WithError(err).Warn("save cache index failed")
	}

	q.logger.WithFields(logging.FetchFields("fetch_done", fetch.URL, fetch.ID, fetch.Attempt)).
		WithFields(logrus.Fields{
			"path":        fetch.LocalPath,
			"ttl_seconds": fetch.TTLSeconds,
			"elapsed_ms":  q.now().Sub(fetch.StartedAt).Milliseconds(),
		}).Info("download cached")

	q.bus.Publish(notify.Event{URL: fetch.URL, Path: fetch.LocalPath, FetchID: fetch.ID})
}

func (q *Queue) publishFailure(fetch PendingFetch, err error) {
	if !q.notifyFailures {
		return
	}
	q.bus.Publish(notify.Event{URL: fetch.URL, FetchID: fetch.ID, Err: err})
}

// release 只移除属于本次 fetch 的登记，避免误删重试产生的新条目。
func (q *Queue) release(fetch PendingFetch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.pending[fetch.URL]; ok && cur.ID == fetch.ID {
		delete(q.pending, fetch.URL)
	}
}

// IsPending 报告 url 是否正在下载。
func (q *Queue) IsPending(url string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[url]
	return ok
}

// Pending 返回进行中的下载快照，按开始时间排序。
func (q *Queue) Pending() []PendingFetch {
	q.mu.Lock()
	out := make([]PendingFetch, 0, len(q.pending))
	for _, fetch := range q.pending {
		out = append(out, fetch)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].URL < out[j].URL
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Wait 阻塞直到所有下载（含自动重试）进入终态，或 ctx 结束。
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止接收新请求并等待进行中的下载结束。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return q.Wait(ctx)
}
