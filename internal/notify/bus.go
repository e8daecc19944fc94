// Package notify 把下载队列与消费者解耦：队列是唯一的发布者，
// 每个订阅者拥有独立的无界队列，发布永不阻塞在慢消费者上。
package notify

import (
	"context"
	"sync"

	"github.com/gammazero/channelqueue"
)

// Event 是一次下载终态的通知，以值拷贝分发给每个订阅者。
type Event struct {
	URL     string
	Path    string
	FetchID string
	Err     error
}

// OK 报告事件是否代表成功下载。
func (e Event) OK() bool {
	return e.Err == nil
}

type subscription struct {
	in     chan<- Event
	filter string
}

// Bus 是全局广播总线，订阅者自行按 URL 过滤（或使用 SubscribeURL）。
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	closed bool
}

// NewBus 创建空总线。
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]subscription)}
}

// Subscribe 注册一个接收所有事件的订阅者。
//
// 调用返回的 cancel 会移除订阅并关闭通道，已排队的事件仍可读完。
// 订阅在 Subscribe 返回时即生效，此后发布的每个事件恰好投递一次。
func (b *Bus) Subscribe() (<-chan Event, context.CancelFunc) {
	return b.subscribe("")
}

// SubscribeURL 只接收指定 URL 的事件。
func (b *Bus) SubscribeURL(url string) (<-chan Event, context.CancelFunc) {
	return b.subscribe(url)
}

func (b *Bus) subscribe(filter string) (<-chan Event, context.CancelFunc) {
	cq := channelqueue.New[Event](-1)
	in := cq.In()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(in)
		return cq.Out(), func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{in: in, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.in)
			}
		})
	}
	return cq.Out(), cancel
}

// Publish 把事件投递给发布时刻已注册的全部匹配订阅者，返回投递数量。
func (b *Bus) Publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.filter != "" && sub.filter != ev.URL {
			continue
		}
		sub.in <- ev
		delivered++
	}
	return delivered
}

// Len 返回当前订阅者数量。
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭所有订阅通道，之后的订阅立即得到已关闭的通道。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.in)
		delete(b.subs, id)
	}
}
