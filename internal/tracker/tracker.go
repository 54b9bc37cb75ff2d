// Package tracker 按 id 保存引擎侧未决的拦截事件，超时自动清理
package tracker

import (
	"sync"
	"time"

	"mitmhijack/internal/logger"
)

// Entry 追踪条目
type Entry[V any] struct {
	Value     V
	StartTime time.Time
}

// Option 追踪器选项
type Option[K comparable, V any] func(*Tracker[K, V])

// WithSweepInterval 设置过期扫描间隔
func WithSweepInterval[K comparable, V any](d time.Duration) Option[K, V] {
	return func(t *Tracker[K, V]) {
		if d > 0 {
			t.sweep = d
		}
	}
}

// WithExpire 条目过期被移除时回调
func WithExpire[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(t *Tracker[K, V]) { t.onExpire = fn }
}

// Tracker 带 TTL 的并发安全映射
type Tracker[K comparable, V any] struct {
	mu       sync.Mutex
	entries  map[K]*Entry[V]
	ttl      time.Duration
	sweep    time.Duration
	onExpire func(K, V)
	log      logger.Logger
	done     chan struct{}
	once     sync.Once
}

// New 创建追踪器并启动清理协程
func New[K comparable, V any](ttl time.Duration, l logger.Logger, opts ...Option[K, V]) *Tracker[K, V] {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if l == nil {
		l = logger.NewNop()
	}
	t := &Tracker[K, V]{
		entries: make(map[K]*Entry[V]),
		ttl:     ttl,
		sweep:   30 * time.Second,
		log:     l,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	go t.cleanupLoop()
	return t
}

// Set 存入
func (t *Tracker[K, V]) Set(id K, v V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = &Entry[V]{Value: v, StartTime: time.Now()}
}

// Get 取出并移除
func (t *Tracker[K, V]) Get(id K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		var zero V
		return zero, false
	}
	delete(t.entries, id)
	return e.Value, true
}

// Peek 只读
func (t *Tracker[K, V]) Peek(id K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Delete 删除
func (t *Tracker[K, V]) Delete(id K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Len 条目数
func (t *Tracker[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain 取出全部条目
func (t *Tracker[K, V]) Drain() map[K]V {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[K]V, len(t.entries))
	for k, e := range t.entries {
		out[k] = e.Value
	}
	t.entries = make(map[K]*Entry[V])
	return out
}

// Stop 停止清理协程，可重复调用
func (t *Tracker[K, V]) Stop() {
	t.once.Do(func() { close(t.done) })
}

func (t *Tracker[K, V]) cleanupLoop() {
	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.expire(now)
		}
	}
}

func (t *Tracker[K, V]) expire(now time.Time) {
	expired := make(map[K]V)
	t.mu.Lock()
	for k, e := range t.entries {
		if now.Sub(e.StartTime) > t.ttl {
			expired[k] = e.Value
			delete(t.entries, k)
		}
	}
	t.mu.Unlock()

	for k, v := range expired {
		t.log.Debug("清理过期拦截事件", "id", k)
		if t.onExpire != nil {
			t.onExpire(k, v)
		}
	}
}
