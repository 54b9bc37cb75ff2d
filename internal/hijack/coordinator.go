// Package hijack 协调拦截引擎、操作者与日志流之间的劫持状态
package hijack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mitmhijack/internal/audit"
	"mitmhijack/internal/filter"
	"mitmhijack/internal/hooks"
	"mitmhijack/internal/logger"
	"mitmhijack/internal/logstream"
	"mitmhijack/internal/mode"
	"mitmhijack/internal/ticker"
	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"

	"github.com/google/uuid"
)

// Config 协调器配置
type Config struct {
	Engine  Engine
	Hooks   *hooks.Registry   // 为空时不做钩子刷新
	Logs    *logstream.Buffer // 为空时使用默认容量
	Filter  *filter.Store
	Mode    *mode.Controller
	Auditor *audit.Auditor
	Logger  logger.Logger

	RecoverInterval     time.Duration
	HookRefreshInterval time.Duration
	LogDiffInterval     time.Duration
	CommandTimeout      time.Duration
	NoticeBuffer        int
}

// Coordinator 劫持状态机，持有唯一的挂起报文
type Coordinator struct {
	engine     Engine
	hooks      *hooks.Registry
	logs       *logstream.Buffer
	filter     *filter.Store
	mode       *mode.Controller
	auditor    *audit.Auditor
	log        logger.Logger
	cmdTimeout time.Duration
	recoverGap time.Duration

	notices  chan domain.Notice
	onFilter func(domain.FilterRule)

	// cmdMu 保证操作者命令按发出顺序下发
	cmdMu sync.Mutex

	mu          sync.Mutex
	status      domain.HijackStatus
	held        *domain.PacketEnvelope
	starting    bool
	session     domain.SessionID
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	lastRecover time.Time

	recoverTask *ticker.Task
	hookTask    *ticker.Task
	logTask     *ticker.Task
}

// New 创建协调器
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.Filter == nil {
		cfg.Filter = filter.New(domain.FilterRule{})
	}
	if cfg.Mode == nil {
		cfg.Mode = mode.New(domain.ModeFlags{}, 0)
	}
	if cfg.Logs == nil {
		cfg.Logs = logstream.New(logstream.DefaultCapacity)
	}
	if cfg.Auditor == nil {
		cfg.Auditor = audit.New(nil, cfg.Logger)
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = 500 * time.Millisecond
	}
	if cfg.HookRefreshInterval <= 0 {
		cfg.HookRefreshInterval = time.Second
	}
	if cfg.LogDiffInterval <= 0 {
		cfg.LogDiffInterval = time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.NoticeBuffer <= 0 {
		cfg.NoticeBuffer = 64
	}

	c := &Coordinator{
		engine:     cfg.Engine,
		hooks:      cfg.Hooks,
		logs:       cfg.Logs,
		filter:     cfg.Filter,
		mode:       cfg.Mode,
		auditor:    cfg.Auditor,
		log:        cfg.Logger.With("component", "hijack"),
		cmdTimeout: cfg.CommandTimeout,
		recoverGap: cfg.RecoverInterval * 9 / 10,
		notices:    make(chan domain.Notice, cfg.NoticeBuffer),
		status:     domain.StatusIdle,
	}

	c.recoverTask = ticker.New("recover", cfg.RecoverInterval, c.recoverTick,
		ticker.WithImmediate(), ticker.WithLogger(c.log))
	c.logTask = ticker.New("log-diff", cfg.LogDiffInterval, func(context.Context) { c.logs.Tick() },
		ticker.WithLogger(c.log))
	if c.hooks != nil {
		c.hookTask = ticker.New("hook-refresh", cfg.HookRefreshInterval, c.refreshHooks,
			ticker.WithImmediate(), ticker.WithLogger(c.log))
	}
	return c
}

// Notices 返回通知通道
func (c *Coordinator) Notices() <-chan domain.Notice {
	return c.notices
}

// OnFilter 注册过滤器变化回调
func (c *Coordinator) OnFilter(fn func(domain.FilterRule)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFilter = fn
}

// Logs 日志流缓冲
func (c *Coordinator) Logs() *logstream.Buffer { return c.logs }

// Hooks 钩子注册表
func (c *Coordinator) Hooks() *hooks.Registry { return c.hooks }

// Status 当前状态
func (c *Coordinator) Status() domain.HijackStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Held 当前挂起报文的副本
func (c *Coordinator) Held() *domain.PacketEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held.Clone()
}

// Snapshot 状态快照
func (c *Coordinator) Snapshot() domain.StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.StateSnapshot{
		Session: c.session,
		Status:  c.status,
		Held:    c.held.Clone(),
		Flags:   c.mode.Flags(),
		Filter:  c.filter.Get(),
	}
}

// Start 启动代理：Idle -> Hijacking
func (c *Coordinator) Start(ctx context.Context, opts domain.StartOptions) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.status != domain.StatusIdle {
		c.mu.Unlock()
		return errx.Wrap(errx.CodeInvalidState, domain.ErrAlreadyRunning, "start")
	}
	c.starting = true
	c.mu.Unlock()

	c.log.Info("启动劫持", "addr", opts.Addr(), "downstreamProxy", opts.DownstreamProxy)
	if err := c.engine.Start(ctx, opts); err != nil {
		c.mu.Lock()
		c.starting = false
		c.status = domain.StatusIdle
		c.held = nil
		c.mu.Unlock()
		c.log.Err(err, "劫持启动失败", "addr", opts.Addr())
		return errx.Wrapf(errx.CodeEngineStart, fmt.Errorf("%w: %w", domain.ErrEngineStart, err), "listen %s", opts.Addr())
	}

	c.mu.Lock()
	c.starting = false
	c.beginSessionLocked()
	if c.status == domain.StatusIdle {
		c.status = domain.StatusHijacking
	}
	status := c.status
	c.mu.Unlock()

	c.log.Info("劫持已启动", "addr", opts.Addr(), "session", c.Session())
	c.notify(domain.NoticeStatus, "", "", status)
	return nil
}

// Attach 附着到引擎上已在运行的会话
func (c *Coordinator) Attach(ctx context.Context) (domain.StreamInfo, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	info, err := c.engine.CurrentStream(ctx)
	if err != nil {
		return info, errx.Wrap(errx.CodeEngineRuntime, fmt.Errorf("%w: %w", domain.ErrEngineRuntime, err), "current stream")
	}
	if info.Running {
		c.mu.Lock()
		if c.status == domain.StatusIdle {
			c.beginSessionLocked()
			c.status = domain.StatusHijacking
		}
		if c.held == nil && info.Pending {
			// 引擎仍有未决包，但本地没有副本，交给恢复轮询
			c.status = domain.StatusHijacked
		}
		c.syncRecoveryLocked()
		status := c.status
		c.mu.Unlock()
		c.log.Info("已附着到运行中的劫持会话", "host", info.Host, "port", info.Port, "pending", info.Pending)
		c.notify(domain.NoticeStatus, "", "", status)
	}

	_ = c.sendRecover(ctx)
	return info, nil
}

// Stop 停止代理，清空挂起报文与模式开关，并等待所有周期任务退出
func (c *Coordinator) Stop(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	wasIdle := c.status == domain.StatusIdle
	held := c.held
	c.status = domain.StatusIdle
	c.held = nil
	c.starting = false
	c.mode.Reset()
	dones := c.endSessionLocked()
	c.mu.Unlock()

	for _, done := range dones {
		<-done
	}
	if held != nil {
		c.log.Info("停止时丢弃挂起报文", "id", held.ID)
	}

	cctx, cancel := c.commandContext(ctx)
	defer cancel()
	err := c.engine.Stop(cctx)
	if err != nil {
		c.log.Err(err, "停止引擎失败")
	}
	if !wasIdle {
		c.log.Info("劫持已停止")
		c.notify(domain.NoticeStatus, "", "", domain.StatusIdle)
	}
	return err
}

// Forward 以编辑后的内容放行挂起报文，未编辑时使用原始内容
func (c *Coordinator) Forward(ctx context.Context, id int64, edited []byte) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	held, err := c.take(id, "forward")
	if err != nil {
		return err
	}
	payload := edited
	action := domain.ActionModified
	if len(payload) == 0 {
		payload = held.Payload
	}
	if bytes.Equal(payload, held.Payload) {
		action = domain.ActionForwarded
	}

	err = c.command(ctx, "forward", held, func(ctx context.Context) error {
		return forwardModified(ctx, c.engine, held, payload)
	})
	return c.settle(held, action, err)
}

// ForwardOriginal 不做修改直接放行挂起报文
func (c *Coordinator) ForwardOriginal(ctx context.Context, id int64) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	held, err := c.take(id, "forward")
	if err != nil {
		return err
	}
	err = c.command(ctx, "forward", held, func(ctx context.Context) error {
		return forwardOriginal(ctx, c.engine, held)
	})
	return c.settle(held, domain.ActionForwarded, err)
}

// Drop 丢弃挂起报文
func (c *Coordinator) Drop(ctx context.Context, id int64) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	held, err := c.take(id, "drop")
	if err != nil {
		return err
	}
	err = c.command(ctx, "drop", held, func(ctx context.Context) error {
		return drop(ctx, c.engine, held)
	})
	return c.settle(held, domain.ActionDropped, err)
}

// Recover 向引擎发送恢复信号，不改变状态
func (c *Coordinator) Recover(ctx context.Context) error {
	return c.sendRecover(ctx)
}

// SetAutoForward 切换自动放行；由关闭切到开启时立即放行当前挂起报文
func (c *Coordinator) SetAutoForward(ctx context.Context, on bool) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	prev := c.mode.SetAutoForward(on)
	var orphan *domain.PacketEnvelope
	if !prev && on && c.held != nil {
		orphan = c.held
		c.held = nil
		c.status = domain.StatusHijacking
		c.mode.ResetCurrent()
		c.syncRecoveryLocked()
	}
	running := c.status != domain.StatusIdle
	c.mu.Unlock()

	c.log.Info("切换自动放行", "autoForward", on)
	var errs []error
	if running {
		cctx, cancel := c.commandContext(ctx)
		if err := c.engine.SetAutoForward(cctx, on); err != nil {
			c.log.Err(err, "同步自动放行到引擎失败")
			errs = append(errs, err)
		}
		cancel()
	}
	if orphan != nil {
		c.log.Info("开启自动放行，放行当前挂起报文", "id", orphan.ID)
		err := c.command(ctx, "forward", orphan, func(ctx context.Context) error {
			return forwardOriginal(ctx, c.engine, orphan)
		})
		c.auditor.Record(c.Session(), orphan, domain.ActionAutoForwarded)
		c.notify(domain.NoticeStatus, "", "", domain.StatusHijacking)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetHijackAllResponses 切换劫持全部响应；开启时当前挂起的请求同时授权劫持响应
func (c *Coordinator) SetHijackAllResponses(ctx context.Context, on bool) error {
	c.mode.SetHijackAllResponses(on)
	c.log.Info("切换劫持全部响应", "hijackAllResponses", on)
	if !on {
		return nil
	}
	c.mu.Lock()
	var id int64
	if c.held != nil && !c.held.IsResponse() {
		id = c.held.ID
	}
	c.mu.Unlock()
	if id <= 0 {
		return nil
	}
	return c.allowResponse(ctx, id)
}

// AllowCurrentResponseHijack 让当前挂起请求的响应也进入劫持
func (c *Coordinator) AllowCurrentResponseHijack(ctx context.Context) error {
	c.mu.Lock()
	held := c.held
	c.mu.Unlock()
	if held == nil || held.IsResponse() {
		return errx.Wrap(errx.CodeInvalidState, domain.ErrNotHijacked, "allow response hijack")
	}
	return c.allowResponse(ctx, held.ID)
}

// SetFilter 推送操作者编辑的过滤规则
func (c *Coordinator) SetFilter(ctx context.Context, rule domain.FilterRule) error {
	c.mu.Lock()
	running := c.status != domain.StatusIdle
	c.mu.Unlock()

	if running {
		cctx, cancel := c.commandContext(ctx)
		defer cancel()
		if err := c.engine.SetFilter(cctx, rule); err != nil {
			return errx.Wrap(errx.CodeEngineRuntime, err, "set filter")
		}
	}
	c.applyFilter(rule)
	return nil
}

// Filter 当前过滤规则
func (c *Coordinator) Filter() domain.FilterRule {
	return c.filter.Get()
}

// Flags 当前模式开关
func (c *Coordinator) Flags() domain.ModeFlags {
	return c.mode.Flags()
}

// Session 当前会话 id
func (c *Coordinator) Session() domain.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// take 校验命令 id 与挂起报文一致后取出报文，状态回到 Hijacking
func (c *Coordinator) take(id int64, op string) (*domain.PacketEnvelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == domain.StatusIdle {
		return nil, errx.Wrapf(errx.CodeInvalidState, domain.ErrNotRunning, "%s %d", op, id)
	}
	if c.held == nil {
		c.log.Warn("命令对应的报文已不存在", "op", op, "id", id)
		return nil, errx.Wrapf(errx.CodeStaleCommand, fmt.Errorf("%w: %w", domain.ErrStaleCommand, domain.ErrNotHijacked), "%s %d", op, id)
	}
	if c.held.CommandID() != id {
		c.log.Warn("拒绝过期命令", "op", op, "id", id, "held", c.held.CommandID())
		return nil, errx.Wrapf(errx.CodeStaleCommand, domain.ErrStaleCommand, "%s %d, held %d", op, id, c.held.CommandID())
	}

	held := c.held
	c.held = nil
	c.status = domain.StatusHijacking
	c.mode.ResetCurrent()
	c.syncRecoveryLocked()
	c.notify(domain.NoticeStatus, "", "", domain.StatusHijacking)
	return held, nil
}

// settle 引擎拒绝命令（过期或编辑内容无法解析）时报文仍在引擎挂起，放回槽位；其余情况记录审计
func (c *Coordinator) settle(held *domain.PacketEnvelope, action domain.HijackAction, err error) error {
	if err != nil && (errors.Is(err, domain.ErrStaleCommand) || errors.Is(err, domain.ErrInvalidPayload)) {
		c.restore(held)
		return err
	}
	c.auditor.Record(c.Session(), held, action)
	return err
}

// restore 槽位仍为空且未停止时重新挂起报文
func (c *Coordinator) restore(env *domain.PacketEnvelope) {
	c.mu.Lock()
	if c.status == domain.StatusIdle || c.held != nil {
		c.mu.Unlock()
		c.log.Debug("槽位已变化，不再放回报文", "id", env.ID)
		return
	}
	c.held = env
	c.status = domain.StatusHijacked
	c.syncRecoveryLocked()
	c.mu.Unlock()

	c.log.Info("命令未生效，报文保持挂起", "id", env.ID, "direction", env.Direction)
	c.notify(domain.NoticeStatus, "", "", domain.StatusHijacked)
}

// command 在锁外下发引擎命令
func (c *Coordinator) command(ctx context.Context, op string, env *domain.PacketEnvelope, fn func(ctx context.Context) error) error {
	cctx, cancel := c.commandContext(ctx)
	defer cancel()
	err := fn(cctx)
	if err == nil {
		c.log.Debug("命令已下发", "op", op, "id", env.CommandID(), "direction", env.Direction)
		return nil
	}
	if errors.Is(err, domain.ErrStaleCommand) {
		c.log.Warn("引擎拒绝过期命令", "op", op, "id", env.CommandID())
		return errx.Wrapf(errx.CodeStaleCommand, err, "%s %d", op, env.CommandID())
	}
	if errors.Is(err, domain.ErrInvalidPayload) {
		c.log.Warn("编辑后的报文无法解析", "op", op, "id", env.CommandID(), "error", err)
		return errx.Wrapf(errx.CodeInvalidPayload, err, "%s %d", op, env.CommandID())
	}
	c.log.Err(err, "命令下发失败", "op", op, "id", env.CommandID())
	return errx.Wrapf(errx.CodeEngineRuntime, err, "%s %d", op, env.CommandID())
}

func (c *Coordinator) allowResponse(ctx context.Context, id int64) error {
	c.mode.OptIn(id)
	c.mu.Lock()
	running := c.status != domain.StatusIdle
	c.mu.Unlock()
	if !running {
		return nil
	}
	cctx, cancel := c.commandContext(ctx)
	defer cancel()
	if err := c.engine.AllowResponseHijack(cctx, id); err != nil {
		c.log.Err(err, "授权劫持响应失败", "id", id)
		return errx.Wrapf(errx.CodeEngineRuntime, err, "allow response %d", id)
	}
	c.log.Debug("已授权劫持响应", "id", id)
	return nil
}

func (c *Coordinator) sendRecover(ctx context.Context) error {
	c.mu.Lock()
	c.lastRecover = time.Now()
	c.mu.Unlock()

	cctx, cancel := c.commandContext(ctx)
	defer cancel()
	if err := c.engine.Recover(cctx); err != nil {
		c.log.Warn("发送恢复信号失败", "error", err)
		return err
	}
	c.log.Debug("已发送恢复信号")
	return nil
}

// recoverTick 处于 Hijacked 却没有可用挂起报文时反复恢复
func (c *Coordinator) recoverTick(ctx context.Context) {
	c.mu.Lock()
	need := c.status == domain.StatusHijacked && c.held == nil
	tooSoon := time.Since(c.lastRecover) < c.recoverGap
	c.mu.Unlock()
	if !need || tooSoon {
		return
	}
	_ = c.sendRecover(ctx)
}

func (c *Coordinator) refreshHooks(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, c.cmdTimeout)
	defer cancel()
	_ = c.hooks.Refresh(cctx)
}

func (c *Coordinator) applyFilter(rule domain.FilterRule) {
	c.filter.Apply(rule)
	c.mu.Lock()
	fn := c.onFilter
	c.mu.Unlock()
	if fn != nil {
		fn(c.filter.Get())
	}
}

func (c *Coordinator) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.cmdTimeout)
}

// beginSessionLocked 开启新会话并启动会话级周期任务
func (c *Coordinator) beginSessionLocked() {
	if c.lifeCancel != nil {
		return
	}
	c.session = domain.SessionID(uuid.NewString())
	c.lifeCtx, c.lifeCancel = context.WithCancel(context.Background())
	c.logTask.Start(c.lifeCtx)
	if c.hookTask != nil {
		c.hookTask.Start(c.lifeCtx)
	}
	c.syncRecoveryLocked()
}

// endSessionLocked 取消会话级任务，返回各任务的退出信号
func (c *Coordinator) endSessionLocked() []<-chan struct{} {
	dones := []<-chan struct{}{c.recoverTask.Cancel(), c.logTask.Cancel()}
	if c.hookTask != nil {
		dones = append(dones, c.hookTask.Cancel())
	}
	if c.lifeCancel != nil {
		c.lifeCancel()
		c.lifeCancel = nil
		c.lifeCtx = nil
	}
	return dones
}

// syncRecoveryLocked 按当前状态启停恢复轮询
func (c *Coordinator) syncRecoveryLocked() {
	if c.status == domain.StatusHijacked && c.held == nil && c.lifeCtx != nil {
		if c.recoverTask.Start(c.lifeCtx) {
			c.log.Warn("处于劫持状态但没有挂起报文，开始恢复轮询")
		}
		return
	}
	c.recoverTask.Cancel()
}

// notify 非阻塞地推送通知，通道满时丢弃
func (c *Coordinator) notify(kind domain.NoticeKind, code errx.Code, msg string, status domain.HijackStatus) {
	n := domain.Notice{Kind: kind, Code: string(code), Message: msg, Status: status, Time: time.Now()}
	select {
	case c.notices <- n:
	default:
		c.log.Warn("通知通道已满，丢弃通知", "kind", kind, "code", code)
	}
}
