// Package logstream 缓存插件执行日志，并在内容变化时推送快照
package logstream

import (
	"sync"

	"mitmhijack/pkg/domain"
)

// DefaultCapacity 默认容量
const DefaultCapacity = 25

// Snapshot 不可变日志快照，下标 0 为最新一条
type Snapshot []domain.LogEvent

// Buffer 有界日志环，新日志插入头部
type Buffer struct {
	mu        sync.Mutex
	capacity  int
	events    []domain.LogEvent
	published Snapshot
	subs      map[int]func(Snapshot)
	nextSub   int
}

// New 创建日志缓冲
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		events:   make([]domain.LogEvent, 0, capacity),
		subs:     make(map[int]func(Snapshot)),
	}
}

// Append 插入头部，超出容量时淘汰最旧的一条
func (b *Buffer) Append(ev domain.LogEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) < b.capacity {
		b.events = append(b.events, domain.LogEvent{})
	}
	copy(b.events[1:], b.events[:len(b.events)-1])
	b.events[0] = ev
}

// Len 当前条数
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Current 返回当前内容的副本
func (b *Buffer) Current() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneEvents(b.events)
}

// Latest 返回最近一次发布的快照
func (b *Buffer) Latest() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// DiffAndPublish 与上次发布的快照对比，仅比较长度与头部内容，有变化时发布
func (b *Buffer) DiffAndPublish(candidate Snapshot) bool {
	b.mu.Lock()
	if !changed(b.published, candidate) {
		b.mu.Unlock()
		return false
	}
	snap := cloneEvents(candidate)
	b.published = snap
	subs := make([]func(Snapshot), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return true
}

// Tick 以当前内容执行一次对比发布
func (b *Buffer) Tick() bool {
	return b.DiffAndPublish(b.Current())
}

// Subscribe 订阅快照，返回取消函数
func (b *Buffer) Subscribe(fn func(Snapshot)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Reset 清空日志与已发布快照
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = b.events[:0]
	b.published = nil
}

func changed(prev, next Snapshot) bool {
	if len(prev) != len(next) {
		return true
	}
	if len(next) == 0 {
		return false
	}
	return prev[0].Data != next[0].Data
}

func cloneEvents(in []domain.LogEvent) Snapshot {
	out := make(Snapshot, len(in))
	copy(out, in)
	return out
}
