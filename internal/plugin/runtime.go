// Package plugin 本地钩子表，代替脚本运行时记录哪些脚本挂在哪些钩子上
//
// 运行时只维护绑定关系并回推 currentHooks / logMessage，不执行脚本。
package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"mitmhijack/internal/hooks"
	"mitmhijack/internal/logger"
	"mitmhijack/internal/storage/model"
	"mitmhijack/internal/storage/repo"
	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var _ hooks.Runtime = (*Runtime)(nil)

// DefaultHookName 临时脚本未声明钩子时挂载的钩子
const DefaultHookName = "onRequest"

// hookDirective 脚本源码中声明钩子的标记，如 "-- @hook onResponse"
const hookDirective = "@hook"

// ScriptStore 脚本查询接口
type ScriptStore interface {
	FindByID(ctx context.Context, id int64) (*model.ScriptRecord, error)
}

// Runtime 本地插件运行时
type Runtime struct {
	scripts ScriptStore
	log     logger.Logger

	mu    sync.Mutex
	sink  domain.EventSink
	table map[string][]domain.HookEntry
}

// New 创建运行时，scripts 为空时只支持临时脚本
func New(scripts ScriptStore, l logger.Logger) *Runtime {
	if l == nil {
		l = logger.NewNop()
	}
	return &Runtime{
		scripts: scripts,
		log:     l.With("component", "plugin"),
		table:   make(map[string][]domain.HookEntry),
	}
}

// SetSink 设置事件接收方
func (r *Runtime) SetSink(s domain.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// ListHooks 返回按钩子名排序的当前集合
func (r *Runtime) ListHooks(ctx context.Context) ([]domain.HookDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

// RequestHooks 向接收方推送一次 currentHooks
func (r *Runtime) RequestHooks(ctx context.Context) error {
	descs, err := r.ListHooks(ctx)
	if err != nil {
		return err
	}
	if sink := r.currentSink(); sink != nil {
		sink.OnHooks(descs)
	}
	return nil
}

// SubmitScriptByID 将已保存的脚本挂到它声明的钩子上，params 覆盖脚本默认参数
func (r *Runtime) SubmitScriptByID(ctx context.Context, id int64, params map[string]string) error {
	if r.scripts == nil {
		return fmt.Errorf("script %d: %w", id, domain.ErrScriptNotFound)
	}
	rec, err := r.scripts.FindByID(ctx, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return fmt.Errorf("script %d: %w", id, domain.ErrScriptNotFound)
	}
	if err != nil {
		return errx.Wrap(errx.CodeDatabase, err, "load script")
	}

	doc, err := EncodeParams(rec.Params, params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	names := repo.SplitHookNames(rec.HookNames)
	if len(names) == 0 {
		names = []string{DefaultHookName}
	}
	entry := domain.HookEntry{
		Verbose:    fmt.Sprintf("%s %s", rec.Name, doc),
		ScriptID:   rec.ID,
		ScriptName: rec.Name,
	}

	r.mu.Lock()
	for _, name := range names {
		r.bindLocked(name, entry)
	}
	descs := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("脚本已挂载", "scriptID", rec.ID, "name", rec.Name, "hooks", names)
	r.publish(fmt.Sprintf("script %s attached to %s", rec.Name, strings.Join(names, ",")), descs)
	return nil
}

// SubmitScriptContent 挂载临时脚本，钩子名取自源码中的 @hook 声明
func (r *Runtime) SubmitScriptContent(ctx context.Context, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("empty script: %w", domain.ErrInvalidConfig)
	}

	names := HookNames(source)
	if len(names) == 0 {
		names = []string{DefaultHookName}
	}
	entry := domain.HookEntry{
		Verbose:    firstLine(source),
		ScriptName: "adhoc-" + uuid.NewString()[:8],
	}

	r.mu.Lock()
	for _, name := range names {
		r.bindLocked(name, entry)
	}
	descs := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("临时脚本已挂载", "name", entry.ScriptName, "hooks", names)
	r.publish(fmt.Sprintf("script %s attached to %s", entry.ScriptName, strings.Join(names, ",")), descs)
	return nil
}

// RemoveHook 移除钩子下的一条绑定
func (r *Runtime) RemoveHook(ctx context.Context, hookName, entryKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	entries := r.table[hookName]
	idx := -1
	for i, e := range entries {
		if e.Key() == entryKey {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return errx.Wrapf(errx.CodeHookNotFound, domain.ErrHookEntryNotFound, "%s/%s", hookName, entryKey)
	}
	entries = append(entries[:idx:idx], entries[idx+1:]...)
	if len(entries) == 0 {
		delete(r.table, hookName)
	} else {
		r.table[hookName] = entries
	}
	descs := r.snapshotLocked()
	r.mu.Unlock()

	r.log.Info("钩子绑定已移除", "hookName", hookName, "entry", entryKey)
	r.publish(fmt.Sprintf("hook %s detached from %s", entryKey, hookName), descs)
	return nil
}

// Reset 清空全部绑定
func (r *Runtime) Reset() {
	r.mu.Lock()
	r.table = make(map[string][]domain.HookEntry)
	r.mu.Unlock()
}

// bindLocked 同一脚本重复挂载时替换旧绑定
func (r *Runtime) bindLocked(hookName string, entry domain.HookEntry) {
	entries := r.table[hookName]
	for i, e := range entries {
		if e.Key() == entry.Key() {
			next := make([]domain.HookEntry, len(entries))
			copy(next, entries)
			next[i] = entry
			r.table[hookName] = next
			return
		}
	}
	r.table[hookName] = append(entries[:len(entries):len(entries)], entry)
}

func (r *Runtime) snapshotLocked() []domain.HookDescriptor {
	out := make([]domain.HookDescriptor, 0, len(r.table))
	for name, entries := range r.table {
		out = append(out, domain.HookDescriptor{HookName: name, Entries: entries}.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HookName < out[j].HookName })
	return out
}

func (r *Runtime) currentSink() domain.EventSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

// publish 推送日志与最新钩子集合
func (r *Runtime) publish(msg string, descs []domain.HookDescriptor) {
	sink := r.currentSink()
	if sink == nil {
		return
	}
	sink.OnLogMessage(domain.LogEvent{Data: msg, Timestamp: time.Now().UnixMilli()})
	sink.OnHooks(descs)
}

// EncodeParams 以 base 为默认参数文档，逐个写入 params
func EncodeParams(base string, params map[string]string) (string, error) {
	doc := strings.TrimSpace(base)
	if doc == "" || !gjson.Valid(doc) {
		doc = "{}"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		doc, err = sjson.Set(doc, escapePath(k), params[k])
		if err != nil {
			return "", err
		}
	}
	return doc, nil
}

// HookNames 解析源码中的 @hook 声明，按出现顺序去重
func HookNames(source string) []string {
	var names []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(source))
	for sc.Scan() {
		_, rest, ok := strings.Cut(sc.Text(), hookDirective)
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 || seen[fields[0]] {
			continue
		}
		seen[fields[0]] = true
		names = append(names, fields[0])
	}
	return names
}

func firstLine(source string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(source), "\n")
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

// escapePath 转义 sjson 路径中的特殊字符
func escapePath(key string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(key)
}
