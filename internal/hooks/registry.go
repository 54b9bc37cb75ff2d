// Package hooks 跟踪引擎上当前生效的插件钩子
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mitmhijack/internal/logger"
	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"

	"golang.org/x/sync/singleflight"
)

// Runtime 插件运行时边界
type Runtime interface {
	ListHooks(ctx context.Context) ([]domain.HookDescriptor, error)
	SubmitScriptByID(ctx context.Context, id int64, params map[string]string) error
	SubmitScriptContent(ctx context.Context, source string) error
	RemoveHook(ctx context.Context, hookName, entryKey string) error
}

// Confirmer 删除绑定前向操作者确认，返回 false 表示取消
type Confirmer func(ctx context.Context, hookName string, entry domain.HookEntry) (bool, error)

// Registry 钩子注册表
type Registry struct {
	runtime Runtime
	log     logger.Logger
	group   singleflight.Group

	mu      sync.RWMutex
	hooks   map[string]domain.HookDescriptor
	version uint64
	onDiff  func([]domain.HookDescriptor)
}

// New 创建钩子注册表
func New(rt Runtime, l logger.Logger) *Registry {
	if l == nil {
		l = logger.NewNop()
	}
	return &Registry{
		runtime: rt,
		log:     l.With("component", "hooks"),
		hooks:   make(map[string]domain.HookDescriptor),
	}
}

// OnChange 注册集合变化回调
func (r *Registry) OnChange(fn func([]domain.HookDescriptor)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDiff = fn
}

// Refresh 从运行时拉取当前钩子集合，并发调用合并为一次
func (r *Registry) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		descs, err := r.runtime.ListHooks(ctx)
		if err != nil {
			return nil, err
		}
		r.Update(descs)
		return nil, nil
	})
	if err != nil {
		r.log.Warn("刷新钩子失败", "error", err)
	}
	return err
}

// Update 原地刷新集合：同名更新、消失的移除、新增的加入
func (r *Registry) Update(descs []domain.HookDescriptor) {
	next := make(map[string]domain.HookDescriptor, len(descs))
	for _, d := range descs {
		if d.HookName == "" {
			continue
		}
		next[d.HookName] = d.Clone()
	}

	r.mu.Lock()
	if sameSet(r.hooks, next) {
		r.mu.Unlock()
		return
	}
	for name := range r.hooks {
		if _, ok := next[name]; !ok {
			delete(r.hooks, name)
		}
	}
	for name, d := range next {
		r.hooks[name] = d
	}
	r.version++
	fn := r.onDiff
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Debug("钩子集合已更新", "count", len(snap))
	if fn != nil {
		fn(snap)
	}
}

// Snapshot 返回按名称排序的副本
func (r *Registry) Snapshot() []domain.HookDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Active 指定钩子名当前是否有绑定
func (r *Registry) Active(hookName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.hooks[hookName]
	return ok && len(d.Entries) > 0
}

// Version 集合变化次数
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// AddHook 按脚本 id 挂载钩子，结果随下一次刷新体现
func (r *Registry) AddHook(ctx context.Context, scriptID int64, params map[string]string) error {
	if err := r.runtime.SubmitScriptByID(ctx, scriptID, params); err != nil {
		return fmt.Errorf("submit script %d: %w", scriptID, err)
	}
	r.log.Info("已提交脚本", "scriptID", scriptID)
	return nil
}

// SubmitScriptContent 直接提交脚本源码
func (r *Registry) SubmitScriptContent(ctx context.Context, source string) error {
	if err := r.runtime.SubmitScriptContent(ctx, source); err != nil {
		return fmt.Errorf("submit script content: %w", err)
	}
	r.log.Info("已提交临时脚本", "size", len(source))
	return nil
}

// RemoveHookEntry 移除钩子下的一条绑定，需操作者确认
// 绑定已不存在时仅记录日志并返回 nil
func (r *Registry) RemoveHookEntry(ctx context.Context, hookName, entryKey string, confirm Confirmer) error {
	entry, ok := r.lookup(hookName, entryKey)
	if !ok {
		r.log.Info("钩子绑定不存在，视为已移除", "hookName", hookName, "entry", entryKey)
		return nil
	}

	if confirm == nil {
		return errx.Wrap(errx.CodeInvalidState, domain.ErrConfirmDeclined, "confirmation required")
	}
	okay, err := confirm(ctx, hookName, entry)
	if err != nil {
		return fmt.Errorf("confirm remove hook: %w", err)
	}
	if !okay {
		r.log.Debug("操作者取消移除钩子", "hookName", hookName, "entry", entryKey)
		return domain.ErrConfirmDeclined
	}

	if err := r.runtime.RemoveHook(ctx, hookName, entryKey); err != nil {
		return fmt.Errorf("remove hook %s/%s: %w", hookName, entryKey, err)
	}
	r.log.Info("已移除钩子绑定", "hookName", hookName, "entry", entryKey)
	return nil
}

// Reset 清空本地集合
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = make(map[string]domain.HookDescriptor)
	r.version++
}

func (r *Registry) lookup(hookName, entryKey string) (domain.HookEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.hooks[hookName]
	if !ok {
		return domain.HookEntry{}, false
	}
	for _, e := range d.Entries {
		if e.Key() == entryKey {
			return e, true
		}
	}
	return domain.HookEntry{}, false
}

func (r *Registry) snapshotLocked() []domain.HookDescriptor {
	out := make([]domain.HookDescriptor, 0, len(r.hooks))
	for _, d := range r.hooks {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HookName < out[j].HookName })
	return out
}

func sameSet(a, b map[string]domain.HookDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for name, da := range a {
		db, ok := b[name]
		if !ok || len(da.Entries) != len(db.Entries) {
			return false
		}
		for i := range da.Entries {
			if da.Entries[i] != db.Entries[i] {
				return false
			}
		}
	}
	return true
}
