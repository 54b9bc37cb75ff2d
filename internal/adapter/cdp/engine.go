// Package cdp 基于 Chrome DevTools Fetch 域的拦截引擎
package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mitmhijack/internal/browser"
	"mitmhijack/internal/filter"
	"mitmhijack/internal/logger"
	"mitmhijack/internal/pool"
	"mitmhijack/internal/tracker"
	"mitmhijack/pkg/domain"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/fetch"
)

// Options 引擎选项
type Options struct {
	DevToolsURL     string // StartOptions 未给出地址时使用
	LaunchBrowser   bool   // DevTools 不可达时自行启动浏览器
	BrowserPath     string
	Headless        bool
	Concurrency     int // 放行工作池并发数
	PendingCapacity int // 等待交付的事件上限，超出后直接放行
	TrackerTTL      time.Duration
	CommandTimeout  time.Duration
	Logger          logger.Logger
}

// actions 对暂停请求的具体操作，由 Interceptor 实现
type actions interface {
	Continue(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) error
	ContinueModified(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply, req *ParsedRequest) error
	Fulfill(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply, resp *ParsedResponse) error
	Fail(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) error
	ResponseBody(ctx context.Context, client *cdp.Client, ev *fetch.RequestPausedReply) ([]byte, error)
}

// pausedEvent 引擎侧一个未决的拦截事件
type pausedEvent struct {
	env    *domain.PacketEnvelope
	target domain.TargetID
	client *cdp.Client
	ev     *fetch.RequestPausedReply
}

// Engine 拦截引擎：事件按到达顺序排队，同一时刻只向 sink 交付一个
type Engine struct {
	opts        Options
	log         logger.Logger
	filter      *filter.Store
	interceptor *Interceptor
	actions     actions

	correlate *tracker.Tracker[string, int64]   // target/requestID -> 请求 id
	allowed   *tracker.Tracker[int64, struct{}] // 授权劫持响应的请求 id

	mu          sync.Mutex
	sink        domain.EventSink
	running     bool
	startOpts   domain.StartOptions
	startedAt   time.Time
	clients     *ClientManager
	browser     *browser.Browser
	pool        *pool.Pool
	cancel      context.CancelFunc
	outbox      chan int64
	autoForward bool
	seq         int64
	current     *pausedEvent
	queue       []*pausedEvent
	filterSeen  uint64

	wg sync.WaitGroup
}

// New 创建引擎
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.PendingCapacity <= 0 {
		opts.PendingCapacity = 64
	}
	if opts.TrackerTTL <= 0 {
		opts.TrackerTTL = 5 * time.Minute
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 3 * time.Second
	}
	l := opts.Logger.With("component", "cdp-engine")
	ic := NewInterceptor(l, opts.CommandTimeout)
	return &Engine{
		opts:        opts,
		log:         l,
		filter:      filter.New(domain.FilterRule{}),
		interceptor: ic,
		actions:     ic,
		correlate:   tracker.New[string, int64](opts.TrackerTTL, l),
		allowed:     tracker.New[int64, struct{}](opts.TrackerTTL, l),
	}
}

// SetSink 设置事件接收方
func (e *Engine) SetSink(sink domain.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// Close 释放后台资源
func (e *Engine) Close() error {
	err := e.Stop(context.Background())
	e.correlate.Stop()
	e.allowed.Stop()
	return err
}

// Start 连接 DevTools（必要时启动浏览器），附着所有页面并开启拦截
func (e *Engine) Start(ctx context.Context, opts domain.StartOptions) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		return domain.ErrAlreadyRunning
	}

	devtoolsURL := e.opts.DevToolsURL
	if opts.Host != "" && opts.Port > 0 {
		devtoolsURL = "http://" + opts.Addr()
	}
	runCtx, cancel := context.WithCancel(context.Background())

	clients := NewClientManager(devtoolsURL, e.log)
	var b *browser.Browser
	if err := clients.Ping(ctx); err != nil {
		if !e.opts.LaunchBrowser {
			cancel()
			return err
		}
		e.log.Info("DevTools 不可达，启动浏览器", "port", opts.Port, "proxy", opts.DownstreamProxy)
		b, err = browser.Start(runCtx, browser.Options{
			ExecPath:            e.opts.BrowserPath,
			RemoteDebuggingPort: opts.Port,
			StrictPort:          opts.Port > 0,
			Headless:            e.opts.Headless,
			ProxyServer:         opts.DownstreamProxy,
		})
		if err != nil {
			cancel()
			return err
		}
		clients = NewClientManager(b.DevToolsURL, e.log)
	}

	e.activate(runCtx, cancel, opts, clients, b)

	_, err := clients.AttachAll(runCtx, func(s *TargetSession) error {
		if err := e.interceptor.Enable(s.Ctx, s.Client); err != nil {
			return fmt.Errorf("enable fetch on %s: %w", s.ID, err)
		}
		e.wg.Add(1)
		go e.consume(runCtx, s)
		return nil
	})
	if err != nil {
		e.log.Err(err, "附着页面失败", "devtools", clients.URL())
		_ = e.Stop(ctx)
		return err
	}

	e.log.Info("拦截引擎已启动", "devtools", clients.URL(), "targets", clients.Len())
	if sink := e.currentSink(); sink != nil {
		sink.OnStarted()
	}
	return nil
}

// activate 进入运行态并启动交付协程
func (e *Engine) activate(runCtx context.Context, cancel context.CancelFunc, opts domain.StartOptions, clients *ClientManager, b *browser.Browser) {
	p := pool.New(e.opts.Concurrency, 0, pool.WithLogger(e.log))
	p.Start(runCtx)

	e.mu.Lock()
	e.running = true
	e.startOpts = opts
	e.startedAt = time.Now()
	e.clients = clients
	e.browser = b
	e.pool = p
	e.cancel = cancel
	e.outbox = make(chan int64, e.opts.PendingCapacity+2)
	e.current = nil
	e.queue = nil
	e.filterSeen = e.filter.Version()
	outbox := e.outbox
	e.mu.Unlock()

	e.wg.Add(1)
	go e.dispatch(runCtx, outbox)
}

// Stop 放行所有未决事件并断开浏览器
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	leftovers := e.queue
	if e.current != nil {
		leftovers = append([]*pausedEvent{e.current}, leftovers...)
	}
	e.current, e.queue = nil, nil
	cancel, clients, b, p := e.cancel, e.clients, e.browser, e.pool
	e.cancel, e.clients, e.browser, e.pool = nil, nil, nil, nil
	e.mu.Unlock()

	for _, pe := range leftovers {
		_ = e.actions.Continue(ctx, pe.client, pe.ev)
	}
	cancel()
	if clients != nil {
		clients.DetachAll()
	}
	e.wg.Wait()
	p.Stop()
	e.correlate.Drain()
	e.allowed.Drain()

	if b != nil {
		if err := b.Stop(2 * time.Second); err != nil {
			e.log.Warn("关闭浏览器失败", "error", err)
		}
	}
	e.log.Info("拦截引擎已停止", "released", len(leftovers))
	return nil
}

func (e *Engine) consume(runCtx context.Context, s *TargetSession) {
	defer e.wg.Done()
	err := e.interceptor.Consume(s.Ctx, s.Client, func(ev *fetch.RequestPausedReply) {
		e.onPaused(s.Ctx, s.ID, s.Client, ev)
	})
	if runCtx.Err() != nil {
		return
	}

	e.mu.Lock()
	clients := e.clients
	e.mu.Unlock()
	if clients == nil {
		return
	}
	_ = clients.Detach(s.ID)
	e.log.Warn("页面连接已断开", "targetID", string(s.ID), "error", err)
	if clients.Len() == 0 {
		msg := "browser disconnected"
		if err != nil {
			msg = fmt.Sprintf("browser disconnected: %v", err)
		}
		e.fail(msg)
	}
}

// fail 报告运行时错误，由 sink 决定是否停止引擎
func (e *Engine) fail(msg string) {
	if sink := e.currentSink(); sink != nil {
		go sink.OnError(msg)
	}
}

// onPaused 处理一个暂停事件：分配 id，按开关与过滤器决定交付或放行
func (e *Engine) onPaused(ctx context.Context, target domain.TargetID, client *cdp.Client, ev *fetch.RequestPausedReply) {
	key := string(target) + "/" + string(ev.RequestID)
	pe := &pausedEvent{target: target, client: client, ev: ev}

	if !isResponseStage(ev) {
		e.mu.Lock()
		e.seq++
		id := e.seq
		auto := e.autoForward
		e.mu.Unlock()

		e.correlate.Set(key, id)
		if auto || !e.filter.Allows(ev.Request.URL, ev.Request.Method) {
			e.passThrough(pe)
			return
		}
		pe.env = &domain.PacketEnvelope{
			ID:        id,
			Direction: domain.DirectionRequest,
			Payload:   RequestToRaw(ev),
			URL:       ev.Request.URL,
			Method:    ev.Request.Method,
			IsHTTPS:   strings.HasPrefix(ev.Request.URL, "https://"),
		}
		e.enqueue(pe)
		return
	}

	reqID, ok := e.correlate.Get(key)
	if !ok {
		e.passThrough(pe)
		return
	}
	_, allowed := e.allowed.Get(reqID)
	e.mu.Lock()
	auto := e.autoForward
	e.mu.Unlock()
	if auto || !allowed {
		e.passThrough(pe)
		return
	}

	body, err := e.actions.ResponseBody(ctx, client, ev)
	if err != nil {
		e.log.Warn("读取响应体失败", "id", reqID, "url", ev.Request.URL, "error", err)
	}
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.mu.Unlock()
	pe.env = &domain.PacketEnvelope{
		ID:         id,
		Direction:  domain.DirectionResponse,
		Payload:    ResponseToRaw(ev, body),
		URL:        ev.Request.URL,
		Method:     ev.Request.Method,
		ResponseID: reqID,
		IsHTTPS:    strings.HasPrefix(ev.Request.URL, "https://"),
	}
	e.enqueue(pe)
}

// passThrough 不经操作者直接放行
func (e *Engine) passThrough(pe *pausedEvent) {
	e.mu.Lock()
	p := e.pool
	e.mu.Unlock()

	run := func(ctx context.Context) {
		_ = e.actions.Continue(ctx, pe.client, pe.ev)
	}
	if p == nil || !p.Submit(run) {
		run(context.Background())
	}
}

func (e *Engine) enqueue(pe *pausedEvent) {
	e.mu.Lock()
	if e.sink == nil || !e.running {
		e.mu.Unlock()
		e.passThrough(pe)
		return
	}
	if e.current == nil {
		e.current = pe
		e.pushLocked(pe.env.ID)
		e.mu.Unlock()
		return
	}
	if len(e.queue) >= e.opts.PendingCapacity {
		e.mu.Unlock()
		e.log.Warn("待交付事件已满，直接放行", "id", pe.env.ID, "url", pe.env.URL)
		e.passThrough(pe)
		return
	}
	e.queue = append(e.queue, pe)
	e.mu.Unlock()
}

func (e *Engine) pushLocked(id int64) {
	select {
	case e.outbox <- id:
	default:
		e.log.Warn("交付通道已满", "id", id)
	}
}

// dispatch 串行交付；取出时校验仍是当前事件，已处理的重复交付被跳过
func (e *Engine) dispatch(ctx context.Context, outbox <-chan int64) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-outbox:
			e.mu.Lock()
			cur, sink := e.current, e.sink
			if cur == nil || sink == nil || cur.env.ID != id {
				e.mu.Unlock()
				continue
			}
			env := cur.env.Clone()
			if v := e.filter.Version(); v != e.filterSeen {
				e.filterSeen = v
				rule := e.filter.Get()
				env.Filter = &rule
			}
			e.mu.Unlock()
			sink.OnHijacked(env)
		}
	}
}

// resolve 校验命令指向当前事件，成功后交付下一个
func (e *Engine) resolve(dir domain.Direction, id int64) (*pausedEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.current
	if cur == nil || !commandMatches(cur.env, dir, id) {
		return nil, fmt.Errorf("%w: %s %d", domain.ErrStaleCommand, dir, id)
	}
	e.current = nil
	if len(e.queue) > 0 {
		e.current = e.queue[0]
		e.queue = e.queue[1:]
		e.pushLocked(e.current.env.ID)
	}
	return cur, nil
}

// commandMatches 缺少 responseId 的响应接受自身 id，用于丢弃违规响应
func commandMatches(env *domain.PacketEnvelope, dir domain.Direction, id int64) bool {
	if env.Direction != dir {
		return false
	}
	return env.CommandID() == id || (env.ResponseID == 0 && env.ID == id)
}

// outstanding 校验命令指向当前事件，不出队
func (e *Engine) outstanding(dir domain.Direction, id int64) (*pausedEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.current
	if cur == nil || !commandMatches(cur.env, dir, id) {
		return nil, fmt.Errorf("%w: %s %d", domain.ErrStaleCommand, dir, id)
	}
	return cur, nil
}

func (e *Engine) run(ctx context.Context, op string, dir domain.Direction, id int64, fn func(ctx context.Context, pe *pausedEvent) error) error {
	pe, err := e.resolve(dir, id)
	if err != nil {
		e.log.Warn("拒绝过期命令", "op", op, "direction", dir, "id", id)
		return err
	}
	if err := fn(ctx, pe); err != nil {
		return fmt.Errorf("%w: %s %d: %w", domain.ErrEngineRuntime, op, id, err)
	}
	e.log.Debug("命令已执行", "op", op, "direction", dir, "id", id)
	return nil
}

// ForwardRequest 原样放行请求
func (e *Engine) ForwardRequest(ctx context.Context, id int64) error {
	return e.run(ctx, "forward", domain.DirectionRequest, id, func(ctx context.Context, pe *pausedEvent) error {
		return e.actions.Continue(ctx, pe.client, pe.ev)
	})
}

// ForwardResponse 原样放行响应
func (e *Engine) ForwardResponse(ctx context.Context, id int64) error {
	return e.run(ctx, "forward", domain.DirectionResponse, id, func(ctx context.Context, pe *pausedEvent) error {
		return e.actions.Continue(ctx, pe.client, pe.ev)
	})
}

// ForwardModifiedRequest 以编辑后的原始报文放行请求，解析失败时事件保持挂起
func (e *Engine) ForwardModifiedRequest(ctx context.Context, payload []byte, id int64) error {
	pe, err := e.outstanding(domain.DirectionRequest, id)
	if err != nil {
		e.log.Warn("拒绝过期命令", "op", "forward-modified", "direction", domain.DirectionRequest, "id", id)
		return err
	}
	req, err := RawToRequest(payload, pe.ev.Request.URL)
	if err != nil {
		e.log.Warn("编辑后的请求无法解析，保持挂起", "id", id, "error", err)
		return fmt.Errorf("%w: request %d: %w", domain.ErrInvalidPayload, id, err)
	}
	return e.run(ctx, "forward-modified", domain.DirectionRequest, id, func(ctx context.Context, pe *pausedEvent) error {
		return e.actions.ContinueModified(ctx, pe.client, pe.ev, req)
	})
}

// ForwardModifiedResponse 以编辑后的原始报文结束请求，解析失败时事件保持挂起
func (e *Engine) ForwardModifiedResponse(ctx context.Context, payload []byte, id int64) error {
	if _, err := e.outstanding(domain.DirectionResponse, id); err != nil {
		e.log.Warn("拒绝过期命令", "op", "forward-modified", "direction", domain.DirectionResponse, "id", id)
		return err
	}
	resp, err := RawToResponse(payload)
	if err != nil {
		e.log.Warn("编辑后的响应无法解析，保持挂起", "id", id, "error", err)
		return fmt.Errorf("%w: response %d: %w", domain.ErrInvalidPayload, id, err)
	}
	return e.run(ctx, "forward-modified", domain.DirectionResponse, id, func(ctx context.Context, pe *pausedEvent) error {
		return e.actions.Fulfill(ctx, pe.client, pe.ev, resp)
	})
}

// DropRequest 丢弃请求
func (e *Engine) DropRequest(ctx context.Context, id int64) error {
	return e.run(ctx, "drop", domain.DirectionRequest, id, func(ctx context.Context, pe *pausedEvent) error {
		return e.actions.Fail(ctx, pe.client, pe.ev)
	})
}

// DropResponse 丢弃响应
func (e *Engine) DropResponse(ctx context.Context, id int64) error {
	return e.run(ctx, "drop", domain.DirectionResponse, id, func(ctx context.Context, pe *pausedEvent) error {
		return e.actions.Fail(ctx, pe.client, pe.ev)
	})
}

// AllowResponseHijack 让该请求的响应阶段交付给操作者
func (e *Engine) AllowResponseHijack(ctx context.Context, id int64) error {
	e.allowed.Set(id, struct{}{})
	return nil
}

// SetAutoForward 开启时排队中的事件全部放行，当前交付的事件由调用方处理
func (e *Engine) SetAutoForward(ctx context.Context, on bool) error {
	e.mu.Lock()
	e.autoForward = on
	var flushed []*pausedEvent
	if on {
		flushed, e.queue = e.queue, nil
	}
	e.mu.Unlock()

	for _, pe := range flushed {
		e.passThrough(pe)
	}
	if len(flushed) > 0 {
		e.log.Info("开启自动放行，放行排队事件", "count", len(flushed))
	}
	return nil
}

// SetFilter 更新引擎侧过滤器
func (e *Engine) SetFilter(ctx context.Context, rule domain.FilterRule) error {
	v := e.filter.Apply(rule)
	e.mu.Lock()
	e.filterSeen = v
	e.mu.Unlock()
	return nil
}

// Recover 重新交付当前事件
func (e *Engine) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.current != nil {
		e.pushLocked(e.current.env.ID)
	}
	return nil
}

// CurrentStream 当前会话信息
func (e *Engine) CurrentStream(ctx context.Context) (domain.StreamInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := domain.StreamInfo{Running: e.running}
	if !e.running {
		return info, nil
	}
	info.Host = e.startOpts.Host
	info.Port = e.startOpts.Port
	info.Started = e.startedAt.UnixMilli()
	if e.current != nil {
		info.Pending = true
		info.Current = e.current.env.ID
	}
	return info, nil
}

// Targets 已附着页面
func (e *Engine) Targets(ctx context.Context) ([]domain.TargetInfo, error) {
	e.mu.Lock()
	clients := e.clients
	e.mu.Unlock()
	if clients == nil {
		return nil, domain.ErrEngineNotRunning
	}
	return clients.ListTargets(ctx)
}

// PoolStats 放行工作池统计
func (e *Engine) PoolStats() pool.Stats {
	e.mu.Lock()
	p := e.pool
	e.mu.Unlock()
	if p == nil {
		return pool.Stats{}
	}
	return p.Stats()
}

func (e *Engine) currentSink() domain.EventSink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sink
}
