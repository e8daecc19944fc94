package queue

import (
	"errors"
	"time"
)

// PendingFetch 只在下载进行期间存在，每个 URL 同一时刻至多一个。
type PendingFetch struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	LocalPath  string    `json:"local_path"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
}

var (
	// ErrCorruptPayload 表示下载内容未通过图片校验。
	ErrCorruptPayload = errors.New("downloaded payload is not a valid image")
	// ErrRetryBudgetExhausted 表示超时重试次数已用完。
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
)
