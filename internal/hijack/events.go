package hijack

import (
	"context"
	"errors"

	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"
)

var _ domain.EventSink = (*Coordinator)(nil)

// OnHijacked 处理引擎推送的劫持事件
func (c *Coordinator) OnHijacked(env *domain.PacketEnvelope) {
	if env == nil {
		return
	}

	if env.Filter != nil {
		c.applyFilter(*env.Filter)
	}

	c.mu.Lock()
	if c.status == domain.StatusIdle && !c.starting {
		c.mu.Unlock()
		c.log.Warn("未运行时收到劫持事件，忽略", "id", env.ID, "direction", env.Direction)
		return
	}

	hold, err := c.mode.Decide(env)
	if err != nil {
		c.mu.Unlock()
		c.violation(env, err, true)
		return
	}

	if !hold {
		superseded := c.held
		c.held = nil
		changed := c.status == domain.StatusHijacked
		if changed {
			c.status = domain.StatusHijacking
		}
		c.syncRecoveryLocked()
		lifeCtx := c.lifeCtx
		session := c.session
		c.mu.Unlock()

		if superseded != nil {
			c.log.Warn("新报文直接放行，清除之前的挂起报文", "old", superseded.ID, "new", env.ID)
			c.auditor.Record(session, superseded, domain.ActionSuperseded)
		}
		if changed {
			c.notify(domain.NoticeStatus, "", "", domain.StatusHijacking)
		}
		if lifeCtx == nil {
			lifeCtx = context.Background()
		}
		err := c.command(lifeCtx, "auto-forward", env, func(ctx context.Context) error {
			return forwardOriginal(ctx, c.engine, env)
		})
		if err == nil {
			c.auditor.Record(session, env, domain.ActionAutoForwarded)
		}
		return
	}

	if c.held != nil {
		if c.held.Direction == env.Direction && c.held.CommandID() == env.CommandID() {
			// 恢复信号触发的重复推送，刷新内容即可
			c.held = env.Clone()
			c.mu.Unlock()
			c.log.Debug("收到重复推送的挂起报文", "id", env.ID)
			return
		}
		heldID := c.held.ID
		c.mu.Unlock()
		err := errx.Wrapf(errx.CodeProtocolViolation, domain.ErrProtocolViolation,
			"packet %d arrived while %d is held", env.ID, heldID)
		c.violation(env, err, true)
		return
	}

	c.held = env.Clone()
	c.status = domain.StatusHijacked
	c.mode.ResetCurrent()
	c.syncRecoveryLocked()
	session := c.session
	lifeCtx := c.lifeCtx
	hijackAll := c.mode.Flags().HijackAllResponses
	c.mu.Unlock()

	c.log.Info("报文已挂起", "id", env.ID, "direction", env.Direction, "url", env.URL)
	c.auditor.Record(session, env, domain.ActionHeld)
	c.notify(domain.NoticeStatus, "", "", domain.StatusHijacked)

	if hijackAll && !env.IsResponse() {
		if lifeCtx == nil {
			lifeCtx = context.Background()
		}
		_ = c.allowResponse(lifeCtx, env.ID)
	}
}

// violation 记录协议违规并丢弃违规报文，挂起槽位保持不变
func (c *Coordinator) violation(env *domain.PacketEnvelope, err error, dropOffender bool) {
	c.log.Warn("协议违规", "id", env.ID, "direction", env.Direction, "responseId", env.ResponseID, "error", err)
	c.auditor.Record(c.Session(), env, domain.ActionViolation)
	c.notify(domain.NoticeError, errx.CodeProtocolViolation, err.Error(), c.Status())

	if !dropOffender {
		return
	}
	id := env.CommandID()
	if id <= 0 && env.IsResponse() {
		// 缺少 responseId 的响应按自身 id 丢弃
		id = env.ID
	}
	if id <= 0 {
		return
	}
	_ = c.command(context.Background(), "drop", env, func(ctx context.Context) error {
		if env.IsResponse() {
			return c.engine.DropResponse(ctx, id)
		}
		return c.engine.DropRequest(ctx, id)
	})
}

// OnError 引擎报错：强制回到 Idle，错误只通知一次；空消息表示引擎正常关闭
func (c *Coordinator) OnError(message string) {
	c.mu.Lock()
	if c.status == domain.StatusIdle && !c.starting {
		c.mu.Unlock()
		c.log.Debug("空闲状态下收到引擎错误，忽略", "message", message)
		return
	}
	c.status = domain.StatusIdle
	c.held = nil
	c.starting = false
	c.endSessionLocked()
	c.mu.Unlock()

	if message == "" {
		c.log.Info("劫持会话已关闭")
		c.notify(domain.NoticeStatus, "", "", domain.StatusIdle)
	} else {
		err := errx.Wrap(errx.CodeEngineRuntime, domain.ErrEngineRuntime, message)
		c.log.Err(err, "引擎运行时错误")
		c.notify(domain.NoticeError, errx.CodeEngineRuntime, message, domain.StatusIdle)
	}

	// 引擎回调所在协程可能正被 Stop 等待，异步拆除
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cmdTimeout)
		defer cancel()
		if err := c.engine.Stop(ctx); err != nil && !errors.Is(err, domain.ErrEngineNotRunning) {
			c.log.Warn("引擎报错后停止引擎失败", "error", err)
		}
	}()
}

// OnFilterChanged 引擎推送的过滤器为准，直接覆盖本地
func (c *Coordinator) OnFilterChanged(rule domain.FilterRule) {
	c.log.Debug("引擎推送过滤器")
	c.applyFilter(rule)
}

// OnHooks 引擎推送的钩子集合
func (c *Coordinator) OnHooks(descs []domain.HookDescriptor) {
	if c.hooks == nil {
		return
	}
	c.hooks.Update(descs)
}

// OnLogMessage 插件日志
func (c *Coordinator) OnLogMessage(ev domain.LogEvent) {
	c.logs.Append(ev)
}

// OnStarted 引擎启动成功
func (c *Coordinator) OnStarted() {
	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return
	}
	changed := c.status == domain.StatusIdle
	if changed {
		c.beginSessionLocked()
		c.status = domain.StatusHijacking
	}
	c.mu.Unlock()
	if changed {
		c.log.Info("引擎报告启动成功")
		c.notify(domain.NoticeStatus, "", "", domain.StatusHijacking)
	}
}
