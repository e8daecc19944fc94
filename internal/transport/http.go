package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/imagecache/internal/cache"
)

const (
	// DefaultMaxConcurrent 同时进行的下载数量上限。
	DefaultMaxConcurrent = 10
	// DefaultTimeout 单个请求的超时时间。
	DefaultTimeout = 10 * time.Second

	tempFilePattern = cache.DownloadTempPrefix + "*"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   DefaultMaxConcurrent,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// HTTPOptions 控制 HTTPTransport 的并发与超时。
type HTTPOptions struct {
	Client        *http.Client
	Logger        *logrus.Logger
	MaxConcurrent int
	Timeout       time.Duration
	UserAgent     string
}

// HTTPTransport 通过 HTTP GET 下载到临时文件，完成后 rename 到目标路径，
// 所以目标路径上的文件永远是完整的。
type HTTPTransport struct {
	client    *http.Client
	logger    *logrus.Logger
	slots     chan struct{}
	timeout   time.Duration
	userAgent string
}

// NewHTTPTransport 构造 HTTP 传输实现，零值选项回退到默认上限 10 并发、10 秒超时。
func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: defaultTransport.Clone()}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &HTTPTransport{
		client:    client,
		logger:    logger,
		slots:     make(chan struct{}, maxConcurrent),
		timeout:   timeout,
		userAgent: opts.UserAgent,
	}
}

// Start 在后台 goroutine 中执行下载；排队等待并发槽位时不持有任何锁。
func (t *HTTPTransport) Start(ctx context.Context, task Task, done func(Outcome)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		select {
		case t.slots <- struct{}{}:
		case <-ctx.Done():
			done(Outcome{Task: task, Failure: classify(ctx.Err())})
			return
		}
		defer func() { <-t.slots }()

		done(t.fetch(ctx, task))
	}()
}

func (t *HTTPTransport) fetch(ctx context.Context, task Task) Outcome {
	if task.URL == "" || task.StoragePath == "" {
		return Outcome{Task: task, Failure: &Failure{Code: CodeInvalidParams, Message: "url and storage path required"}}
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, task.URL, nil)
	if err != nil {
		return Outcome{Task: task, Failure: &Failure{Code: CodeInvalidParams, Message: err.Error()}}
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return Outcome{Task: task, Failure: classify(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Outcome{Task: task, Failure: &Failure{
			Code:         CodeInternal,
			InternalCode: resp.StatusCode,
			Message:      fmt.Sprintf("unexpected status %s", resp.Status),
		}}
	}

	written, err := cache.WriteFileAtomic(reqCtx, task.StoragePath, resp.Body, tempFilePattern)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return Outcome{Task: task, Failure: &Failure{Code: CodeFileOpenFailed, Message: err.Error()}}
		}
		return Outcome{Task: task, Failure: classify(err)}
	}

	t.logger.WithFields(logrus.Fields{
		"action":   "transport_done",
		"fetch_id": task.ID,
		"url":      task.URL,
		"bytes":    written,
	}).Debug("download written")

	return Outcome{Task: task, StoragePath: task.StoragePath}
}

// classify 把 Go 的网络错误映射到旧版错误码，超时统一为 (-3, -1001)。
func classify(err error) *Failure {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Failure{Code: CodeInternal, InternalCode: InternalTimedOut, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Code: CodeInternal, InternalCode: InternalTimedOut, Message: err.Error()}
	}
	return &Failure{Code: CodeInternal, Message: err.Error()}
}
