package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry 描述单个 URL 的缓存元数据。ExpiresAt 为 Unix 秒，NeverExpires 表示永不过期。
type Entry struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// Expired 判断条目在 now 时刻是否已过期；哨兵值及更小的值永不过期。
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt > NeverExpires && e.ExpiresAt <= now.Unix()
}

// Entries 是索引文件的内存形态：URL → 过期时间（Unix 秒或哨兵值）。
type Entries map[string]int64

// ExpiryFor 根据 TTL（秒）计算绝对过期时间，负数 TTL 返回 NeverExpires。
func ExpiryFor(ttlSeconds int64, now time.Time) int64 {
	if ttlSeconds < 0 {
		return NeverExpires
	}
	return now.Unix() + ttlSeconds
}

// SweepExpired 返回去除过期条目后的新映射以及被移除的 URL（按字典序）。原映射不被修改。
func (e Entries) SweepExpired(now time.Time) (Entries, []string) {
	kept := make(Entries, len(e))
	var expired []string
	for url, expiresAt := range e {
		if (Entry{URL: url, ExpiresAt: expiresAt}).Expired(now) {
			expired = append(expired, url)
			continue
		}
		kept[url] = expiresAt
	}
	sort.Strings(expired)
	return kept, expired
}

// Clone 返回映射的浅拷贝。
func (e Entries) Clone() Entries {
	out := make(Entries, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Index 是进程内唯一的缓存索引，所有变更在持有 mu 时完成并立即落盘。
// path 为空时索引只存在于内存中（存储禁用模式）。
type Index struct {
	mu      sync.Mutex
	path    string
	store   Store
	entries Entries
	logger  *logrus.Logger
	now     func() time.Time
}

// IndexOption 调整 Index 的可选行为，主要用于测试注入时钟。
type IndexOption func(*Index)

// WithClock 替换索引使用的时钟。
func WithClock(now func() time.Time) IndexOption {
	return func(i *Index) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIndex 构造索引；path 为索引文件绝对路径，store 用于清理过期文件。
func NewIndex(path string, store Store, logger *logrus.Logger, opts ...IndexOption) *Index {
	idx := &Index{
		path:    path,
		store:   store,
		entries: Entries{},
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Path 返回索引文件路径，内存模式下为空。
func (i *Index) Path() string {
	return i.path
}

// Load 从磁盘读取索引，文件不存在时得到空索引。文件损坏时同样以空索引继续，并返回错误供调用方记录。
func (i *Index) Load() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.entries = Entries{}
	if i.path == "" {
		return nil
	}

	raw, err := os.ReadFile(i.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache index: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var loaded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("decode cache index: %w", err)
	}
	for url, value := range loaded {
		expiresAt, err := decodeExpiry(value)
		if err != nil {
			if i.logger != nil {
				i.logger.WithFields(logrus.Fields{
					"action": "cache_index_load",
					"url":    url,
				}).WithError(err).Warn("skip unreadable index entry")
			}
			continue
		}
		i.entries[url] = expiresAt
	}
	return nil
}

// decodeExpiry 接受整数或小数秒（旧版索引以浮点数记录），小数部分直接截断。
// 任何负值都归一为 NeverExpires，超出 int64 的值截到 math.MaxInt64。
func decodeExpiry(value json.RawMessage) (int64, error) {
	var num json.Number
	if err := json.Unmarshal(value, &num); err != nil {
		return 0, fmt.Errorf("expiry is not a number: %s", string(value))
	}
	if v, err := num.Int64(); err == nil {
		if v < 0 {
			return NeverExpires, nil
		}
		return v, nil
	}
	f, err := num.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expiry out of range: %s", num.String())
	}
	if f < 0 {
		return NeverExpires, nil
	}
	// float64(math.MaxInt64) 向上取整为 2^63，转换会溢出。
	if f >= math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(f), nil
}

// Save 将当前索引原子写回磁盘。
func (i *Index) Save() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.saveLocked()
}

func (i *Index) saveLocked() error {
	if i.path == "" {
		return nil
	}
	payload, err := json.MarshalIndent(i.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if _, err := WriteFileAtomic(context.Background(), i.path, bytes.NewReader(payload), ".index-*"); err != nil {
		return fmt.Errorf("write cache index: %w", err)
	}
	return nil
}

// Sweep 以当前时钟执行过期清理，见 SweepAt。
func (i *Index) Sweep() ([]string, error) {
	return i.SweepAt(i.now())
}

// SweepAt 删除 now 时刻已过期的条目及其缓存文件并落盘，返回被移除的 URL。
// 文件删除失败（包括文件早已不存在）不会阻止条目被移除。
func (i *Index) SweepAt(now time.Time) ([]string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	kept, expired := i.entries.SweepExpired(now)
	for _, url := range expired {
		if i.store == nil {
			continue
		}
		if err := i.store.Remove(url); err != nil && i.logger != nil {
			i.logger.WithFields(logrus.Fields{
				"action": "cache_sweep",
				"url":    url,
			}).WithError(err).Debug("expired file removal skipped")
		}
	}
	i.entries = kept

	if err := i.saveLocked(); err != nil {
		return expired, err
	}
	return expired, nil
}

// Upsert 记录 url 的过期时间（TTL 为负数表示永不过期）并立即落盘。
func (i *Index) Upsert(url string, ttlSeconds int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.entries[url] = ExpiryFor(ttlSeconds, i.now())
	return i.saveLocked()
}

// Lookup 返回 url 的索引条目。
func (i *Index) Lookup(url string) (Entry, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	expiresAt, ok := i.entries[url]
	if !ok {
		return Entry{}, false
	}
	return Entry{URL: url, ExpiresAt: expiresAt}, true
}

// Snapshot 返回索引的拷贝，调用方可以自由修改。
func (i *Index) Snapshot() Entries {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.entries.Clone()
}

// Len 返回索引条目数。
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}
