// Package mode 决定一个被拦截的报文交给操作者还是直接放行
package mode

import (
	"fmt"
	"sync"

	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ShouldHoldForOperator 纯函数：报文是否需要挂起等待操作者
// 响应缺少关联请求 id 时返回 ProtocolViolation
func ShouldHoldForOperator(env *domain.PacketEnvelope, flags domain.ModeFlags) (bool, error) {
	if env == nil {
		return false, errx.Wrap(errx.CodeProtocolViolation, domain.ErrProtocolViolation, "nil envelope")
	}
	switch env.Direction {
	case domain.DirectionRequest:
		if env.ID <= 0 {
			return false, errx.Wrapf(errx.CodeProtocolViolation, domain.ErrProtocolViolation, "request without id")
		}
		return !flags.AutoForward, nil
	case domain.DirectionResponse:
		if env.ResponseID <= 0 {
			return false, errx.Wrapf(errx.CodeProtocolViolation, domain.ErrProtocolViolation, "response %d without responseId", env.ID)
		}
		if flags.AutoForward {
			return false, nil
		}
		return flags.HijackAllResponses || flags.AllowCurrentResponseHijack, nil
	default:
		return false, errx.Wrapf(errx.CodeProtocolViolation, domain.ErrProtocolViolation, "unknown direction %q", env.Direction)
	}
}

// Controller 保存模式开关及按请求 id 的响应劫持授权
type Controller struct {
	mu      sync.Mutex
	flags   domain.ModeFlags
	optedIn *lru.Cache[int64, struct{}]
}

// New 创建模式控制器，size 为最多记住的授权请求数
func New(initial domain.ModeFlags, size int) *Controller {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[int64, struct{}](size)
	if err != nil {
		panic(fmt.Sprintf("mode: lru: %v", err))
	}
	return &Controller{flags: initial, optedIn: cache}
}

// Flags 返回当前开关
func (c *Controller) Flags() domain.ModeFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// FlagsFor 返回针对该报文的开关，AllowCurrentResponseHijack 按关联请求 id 解析
func (c *Controller) FlagsFor(env *domain.PacketEnvelope) domain.ModeFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flags
	f.AllowCurrentResponseHijack = false
	if env != nil && env.IsResponse() && env.ResponseID > 0 {
		f.AllowCurrentResponseHijack = c.optedIn.Contains(env.ResponseID)
	}
	return f
}

// Decide 按当前开关做决策；响应的授权在决策时被消费
func (c *Controller) Decide(env *domain.PacketEnvelope) (bool, error) {
	hold, err := ShouldHoldForOperator(env, c.FlagsFor(env))
	if err == nil && env.IsResponse() {
		c.mu.Lock()
		c.optedIn.Remove(env.ResponseID)
		c.mu.Unlock()
	}
	return hold, err
}

// SetAutoForward 设置自动放行，返回旧值
func (c *Controller) SetAutoForward(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.flags.AutoForward
	c.flags.AutoForward = on
	return prev
}

// SetHijackAllResponses 设置劫持全部响应，返回旧值
func (c *Controller) SetHijackAllResponses(on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.flags.HijackAllResponses
	c.flags.HijackAllResponses = on
	return prev
}

// OptIn 让指定请求的响应也进入劫持
func (c *Controller) OptIn(requestID int64) {
	if requestID <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optedIn.Add(requestID, struct{}{})
	c.flags.AllowCurrentResponseHijack = true
}

// OptedIn 指定请求是否已授权劫持响应
func (c *Controller) OptedIn(requestID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optedIn.Contains(requestID)
}

// ResetCurrent 新包挂起时复位当前包的响应授权开关
func (c *Controller) ResetCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags.AllowCurrentResponseHijack = false
}

// Reset 清空全部开关与授权
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = domain.ModeFlags{}
	c.optedIn.Purge()
}
