package plugin_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"mitmhijack/internal/hooks"
	"mitmhijack/internal/plugin"
	"mitmhijack/internal/storage/model"
	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"
)

type memScripts map[int64]*model.ScriptRecord

func (m memScripts) FindByID(_ context.Context, id int64) (*model.ScriptRecord, error) {
	rec, ok := m[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return rec, nil
}

type sink struct {
	mu    sync.Mutex
	hooks [][]domain.HookDescriptor
	logs  []domain.LogEvent
}

func (s *sink) OnHijacked(*domain.PacketEnvelope) {}
func (s *sink) OnError(string)                    {}
func (s *sink) OnFilterChanged(domain.FilterRule) {}
func (s *sink) OnStarted()                        {}

func (s *sink) OnLogMessage(ev domain.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, ev)
}
func (s *sink) OnHooks(descs []domain.HookDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, descs)
}

func (s *sink) last() []domain.HookDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.hooks) == 0 {
		return nil
	}
	return s.hooks[len(s.hooks)-1]
}

func newRuntime(t *testing.T) (*plugin.Runtime, *sink) {
	t.Helper()
	rt := plugin.New(memScripts{
		1: {ID: 1, Name: "signer", HookNames: "onRequest,onResponse", Params: `{"secret":"s"}`},
		2: {ID: 2, Name: "auth", HookNames: "onRequest"},
	}, nil)
	s := &sink{}
	rt.SetSink(s)
	return rt, s
}

func TestSubmitScriptByID(t *testing.T) {
	rt, s := newRuntime(t)
	ctx := context.Background()

	if err := rt.SubmitScriptByID(ctx, 1, map[string]string{"user.name": "bob"}); err != nil {
		t.Fatalf("SubmitScriptByID 失败: %v", err)
	}
	if err := rt.SubmitScriptByID(ctx, 2, nil); err != nil {
		t.Fatalf("SubmitScriptByID 失败: %v", err)
	}

	descs, _ := rt.ListHooks(ctx)
	if len(descs) != 2 || descs[0].HookName != "onRequest" || descs[1].HookName != "onResponse" {
		t.Fatalf("钩子集合不符合预期: %+v", descs)
	}
	if len(descs[0].Entries) != 2 || descs[0].Entries[0].ScriptName != "signer" {
		t.Errorf("onRequest 绑定不符合预期: %+v", descs[0].Entries)
	}
	if want := `signer {"secret":"s","user.name":"bob"}`; descs[1].Entries[0].Verbose != want {
		t.Errorf("Verbose = %s, want %s", descs[1].Entries[0].Verbose, want)
	}
	if !reflect.DeepEqual(s.last(), descs) {
		t.Error("最后一次推送应与当前集合一致")
	}
	if len(s.logs) != 2 {
		t.Errorf("每次挂载应推送一条日志, got %d", len(s.logs))
	}

	// 重复挂载替换旧绑定
	_ = rt.SubmitScriptByID(ctx, 2, map[string]string{"k": "v"})
	descs, _ = rt.ListHooks(ctx)
	if len(descs[0].Entries) != 2 {
		t.Errorf("重复挂载不应新增绑定: %+v", descs[0].Entries)
	}

	if err := rt.SubmitScriptByID(ctx, 99, nil); !errors.Is(err, domain.ErrScriptNotFound) {
		t.Errorf("不存在的脚本应返回 ErrScriptNotFound，实际 %v", err)
	}
}

func TestSubmitScriptContentAndRemove(t *testing.T) {
	rt, s := newRuntime(t)
	ctx := context.Background()

	src := "-- @hook onResponse\n-- @hook onResponse\n-- @hook onError\nprint('x')"
	if err := rt.SubmitScriptContent(ctx, src); err != nil {
		t.Fatalf("SubmitScriptContent 失败: %v", err)
	}
	descs := s.last()
	if len(descs) != 2 || descs[0].HookName != "onError" || descs[1].HookName != "onResponse" {
		t.Fatalf("钩子集合不符合预期: %+v", descs)
	}
	key := descs[0].Entries[0].Key()
	if descs[0].Entries[0].Verbose != "-- @hook onResponse" {
		t.Errorf("Verbose = %q", descs[0].Entries[0].Verbose)
	}

	if err := rt.RemoveHook(ctx, "onError", key); err != nil {
		t.Fatalf("RemoveHook 失败: %v", err)
	}
	if got := s.last(); len(got) != 1 || got[0].HookName != "onResponse" {
		t.Errorf("移除后集合不符合预期: %+v", got)
	}

	err := rt.RemoveHook(ctx, "onError", key)
	if !errors.Is(err, domain.ErrHookEntryNotFound) || !errx.Is(err, errx.CodeHookNotFound) {
		t.Errorf("重复移除应返回 ErrHookEntryNotFound，实际 %v", err)
	}

	if err := rt.SubmitScriptContent(ctx, "  \n "); !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("空脚本应返回 ErrInvalidConfig，实际 %v", err)
	}
}

func TestRegistryOverRuntime(t *testing.T) {
	rt, _ := newRuntime(t)
	reg := hooks.New(rt, nil)
	ctx := context.Background()

	if err := reg.AddHook(ctx, 2, nil); err != nil {
		t.Fatalf("AddHook 失败: %v", err)
	}
	if err := reg.Refresh(ctx); err != nil {
		t.Fatalf("Refresh 失败: %v", err)
	}
	if !reg.Active("onRequest") {
		t.Fatal("刷新后 onRequest 应处于激活状态")
	}

	confirm := func(context.Context, string, domain.HookEntry) (bool, error) { return true, nil }
	if err := reg.RemoveHookEntry(ctx, "onRequest", "auth", confirm); err != nil {
		t.Fatalf("RemoveHookEntry 失败: %v", err)
	}
	_ = reg.Refresh(ctx)
	if reg.Active("onRequest") {
		t.Error("移除后 onRequest 不应再激活")
	}
}

func TestEncodeParams(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		params map[string]string
		want   string
	}{
		{"空文档", "", map[string]string{"a": "1"}, `{"a":"1"}`},
		{"覆盖默认值", `{"a":"0","b":"2"}`, map[string]string{"a": "1"}, `{"a":"1","b":"2"}`},
		{"无效文档回退", "not json", nil, `{}`},
		{"键中的点号被转义", "{}", map[string]string{"x.y": "z"}, `{"x.y":"z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := plugin.EncodeParams(tt.base, tt.params)
			if err != nil {
				t.Fatalf("EncodeParams 失败: %v", err)
			}
			if got != tt.want {
				t.Errorf("EncodeParams = %s, want %s", got, tt.want)
			}
		})
	}
}
