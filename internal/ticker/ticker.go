// Package ticker 提供可取消的周期任务
package ticker

import (
	"context"
	"sync"
	"time"

	"mitmhijack/internal/logger"
)

// Task 固定间隔执行的后台任务
// fn 内不得调用同一任务的 Stop，否则会等待自身退出
type Task struct {
	name      string
	interval  time.Duration
	fn        func(ctx context.Context)
	immediate bool
	log       logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option 任务选项
type Option func(*Task)

// WithImmediate 启动时立即执行一次
func WithImmediate() Option {
	return func(t *Task) { t.immediate = true }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(t *Task) {
		if l != nil {
			t.log = l
		}
	}
}

// New 创建周期任务
func New(name string, interval time.Duration, fn func(ctx context.Context), opts ...Option) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	t := &Task{name: name, interval: interval, fn: fn, log: logger.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start 启动任务，已在运行时返回 false
func (t *Task) Start(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return false
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	go t.loop(runCtx, done)
	t.log.Debug("周期任务启动", "task", t.name, "interval", t.interval.String())
	return true
}

// Cancel 取消任务但不等待协程退出，返回协程退出信号
func (t *Task) Cancel() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	done := t.done
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		t.log.Debug("周期任务取消", "task", t.name)
	}
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return done
}

// Stop 取消任务并等待协程退出
func (t *Task) Stop() {
	<-t.Cancel()
}

// Running 任务是否处于启动状态
func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if t.immediate && ctx.Err() == nil {
		t.fn(ctx)
	}

	tk := time.NewTicker(t.interval)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			if ctx.Err() != nil {
				return
			}
			t.fn(ctx)
		}
	}
}
