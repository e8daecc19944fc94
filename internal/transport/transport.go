// Package transport 定义下载队列与实际传输实现之间的边界：
// Start(url, 目标路径) 异步执行，最终以 Success(storagePath) 或 Failure(错误码) 回调一次。
package transport

import (
	"context"
	"fmt"
)

// 错误码沿用旧版下载器的取值，日志与重试判断都依赖这些常量。
const (
	CodeInvalidParams  = -1
	CodeFileOpenFailed = -2
	CodeInternal       = -3

	// InternalTimedOut 与 CodeInternal 组合表示连接/请求超时，是唯一可重试的错误类别。
	InternalTimedOut = -1001
)

// Task 描述一次下载。
type Task struct {
	ID          string
	URL         string
	StoragePath string
}

// Failure 携带传输层错误码，除超时外的取值只用于日志透传。
type Failure struct {
	Code         int
	InternalCode int
	Message      string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("transport failure %d/%d: %s", f.Code, f.InternalCode, f.Message)
}

// Retryable 报告该错误是否属于超时类瞬时故障。
func (f *Failure) Retryable() bool {
	return f != nil && f.Code == CodeInternal && f.InternalCode == InternalTimedOut
}

// Outcome 是一次下载的终态。Failure 为 nil 表示成功，文件位于 StoragePath。
type Outcome struct {
	Task        Task
	StoragePath string
	Failure     *Failure
}

// OK 报告下载是否成功。
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// Transport 由宿主注入。Start 必须立即返回，done 在任意 goroutine 中恰好被调用一次。
type Transport interface {
	Start(ctx context.Context, task Task, done func(Outcome))
}

// Func 让普通函数满足 Transport，测试中常用。
type Func func(ctx context.Context, task Task, done func(Outcome))

// Start makes Func satisfy Transport.
func (f Func) Start(ctx context.Context, task Task, done func(Outcome)) {
	f(ctx, task, done)
}
