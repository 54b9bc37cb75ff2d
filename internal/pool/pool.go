// Package pool 引擎侧放行命令的并发工作池
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mitmhijack/internal/logger"
)

// Stats 工作池统计
type Stats struct {
	QueueLen  int   `json:"queueLen"`
	QueueCap  int   `json:"queueCap"`
	Submitted int64 `json:"submitted"`
	Dropped   int64 `json:"dropped"`
}

// Option 工作池选项
type Option func(*Pool)

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// WithMonitorInterval 设置状态日志的输出间隔，<=0 时不输出
func WithMonitorInterval(d time.Duration) Option {
	return func(p *Pool) { p.monitorEvery = d }
}

// Pool 固定数量 worker 消费有界队列，队列满时丢弃任务
type Pool struct {
	workers      int
	queue        chan func(context.Context)
	log          logger.Logger
	monitorEvery time.Duration

	mu        sync.Mutex
	submitted int64
	dropped   int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New 创建工作池
// size<=0 表示不限并发，每个任务单独起协程；queueCap<=0 时取 size*8
func New(size, queueCap int, opts ...Option) *Pool {
	p := &Pool{
		workers:      size,
		log:          logger.NewNop(),
		monitorEvery: 30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	if size > 0 {
		if queueCap <= 0 {
			queueCap = size * 8
		}
		p.queue = make(chan func(context.Context), queueCap)
	}
	return p
}

// Start 启动 worker 与状态监控
func (p *Pool) Start(ctx context.Context) {
	if p.queue == nil {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	if p.monitorEvery > 0 {
		p.wg.Add(1)
		go p.monitor(ctx)
	}
}

// Stop 停止 worker 并等待退出，队列中未执行的任务被丢弃
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *Pool) monitor(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.monitorEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := p.Stats()
			if s.Submitted == 0 {
				continue
			}
			usage := float64(s.QueueLen) / float64(s.QueueCap) * 100
			dropRate := float64(s.Dropped) / float64(s.Submitted) * 100
			p.log.Info("放行队列状态", "queueLen", s.QueueLen, "queueCap", s.QueueCap,
				"usage", fmt.Sprintf("%.1f%%", usage), "submitted", s.Submitted,
				"dropped", s.Dropped, "dropRate", fmt.Sprintf("%.2f%%", dropRate))
		}
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-p.queue:
			if fn != nil {
				fn(ctx)
			}
		}
	}
}

// Submit 提交任务，队列已满时返回 false
func (p *Pool) Submit(fn func(ctx context.Context)) bool {
	p.mu.Lock()
	p.submitted++
	p.mu.Unlock()

	if p.queue == nil {
		go fn(context.Background())
		return true
	}
	select {
	case p.queue <- fn:
		return true
	default:
		p.mu.Lock()
		p.dropped++
		s, d := p.submitted, p.dropped
		p.mu.Unlock()
		p.log.Warn("放行队列已满，任务被丢弃", "queueCap", cap(p.queue), "submitted", s, "dropped", d)
		return false
	}
}

// Stats 返回统计信息
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Submitted: p.submitted, Dropped: p.dropped}
	if p.queue != nil {
		s.QueueLen = len(p.queue)
		s.QueueCap = cap(p.queue)
	}
	return s
}

// Bounded 是否限制了并发
func (p *Pool) Bounded() bool {
	return p.queue != nil
}
