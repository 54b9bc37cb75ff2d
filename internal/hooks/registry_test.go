package hooks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mitmhijack/internal/hooks"
	"mitmhijack/pkg/domain"
)

type fakeRuntime struct {
	mu      sync.Mutex
	hooks   []domain.HookDescriptor
	lists   atomic.Int32
	delay   time.Duration
	removed []string
	byID    []int64
	sources []string
	listErr error
}

func (f *fakeRuntime) ListHooks(ctx context.Context) ([]domain.HookDescriptor, error) {
	f.lists.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.HookDescriptor, len(f.hooks))
	copy(out, f.hooks)
	return out, nil
}

func (f *fakeRuntime) SubmitScriptByID(ctx context.Context, id int64, params map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID = append(f.byID, id)
	return nil
}

func (f *fakeRuntime) SubmitScriptContent(ctx context.Context, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, source)
	return nil
}

func (f *fakeRuntime) RemoveHook(ctx context.Context, hookName, entryKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, hookName+"/"+entryKey)
	return nil
}

func approve(ctx context.Context, hookName string, entry domain.HookEntry) (bool, error) {
	return true, nil
}

func TestRefreshUpdatesInPlace(t *testing.T) {
	rt := &fakeRuntime{hooks: []domain.HookDescriptor{
		{HookName: "hijackHTTPRequest", Entries: []domain.HookEntry{{Verbose: "a", ScriptName: "a", ScriptID: 1}}},
		{HookName: "mirrorHTTPFlow", Entries: []domain.HookEntry{{Verbose: "b"}}},
	}}
	r := hooks.New(rt, nil)

	var changes int
	r.OnChange(func([]domain.HookDescriptor) { changes++ })

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0].HookName != "hijackHTTPRequest" {
		t.Fatalf("快照应按名称排序: %+v", snap)
	}

	// 相同集合再次刷新不算变化
	_ = r.Refresh(context.Background())
	if changes != 1 {
		t.Errorf("相同集合不应触发回调, changes=%d", changes)
	}

	rt.mu.Lock()
	rt.hooks = []domain.HookDescriptor{{HookName: "mirrorHTTPFlow", Entries: []domain.HookEntry{{Verbose: "b"}, {Verbose: "c"}}}}
	rt.mu.Unlock()
	_ = r.Refresh(context.Background())

	snap = r.Snapshot()
	if len(snap) != 1 || len(snap[0].Entries) != 2 {
		t.Errorf("消失的钩子应移除、已有钩子应更新: %+v", snap)
	}
	if r.Active("hijackHTTPRequest") {
		t.Error("已移除的钩子不应处于激活状态")
	}
	if changes != 2 || r.Version() != 2 {
		t.Errorf("changes=%d version=%d", changes, r.Version())
	}
}

func TestRefreshCollapsesConcurrentCalls(t *testing.T) {
	rt := &fakeRuntime{delay: 50 * time.Millisecond}
	r := hooks.New(rt, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Refresh(context.Background())
		}()
	}
	wg.Wait()
	if n := rt.lists.Load(); n >= 10 {
		t.Errorf("并发刷新应被合并, 实际调用 %d 次", n)
	}
}

func TestRefreshError(t *testing.T) {
	rt := &fakeRuntime{listErr: errors.New("offline")}
	r := hooks.New(rt, nil)
	if err := r.Refresh(context.Background()); err == nil {
		t.Error("运行时错误应返回")
	}
}

func TestRemoveHookEntry(t *testing.T) {
	newRegistry := func() (*hooks.Registry, *fakeRuntime) {
		rt := &fakeRuntime{}
		r := hooks.New(rt, nil)
		r.Update([]domain.HookDescriptor{{HookName: "h", Entries: []domain.HookEntry{
			{Verbose: "one", ScriptName: "s1", ScriptID: 1},
			{Verbose: "临时"},
		}}})
		return r, rt
	}

	t.Run("确认后移除单条绑定", func(t *testing.T) {
		r, rt := newRegistry()
		if err := r.RemoveHookEntry(context.Background(), "h", "s1", approve); err != nil {
			t.Fatal(err)
		}
		if len(rt.removed) != 1 || rt.removed[0] != "h/s1" {
			t.Errorf("removed = %v", rt.removed)
		}
	})

	t.Run("无脚本名时按 Verbose 匹配", func(t *testing.T) {
		r, rt := newRegistry()
		if err := r.RemoveHookEntry(context.Background(), "h", "临时", approve); err != nil {
			t.Fatal(err)
		}
		if len(rt.removed) != 1 {
			t.Errorf("removed = %v", rt.removed)
		}
	})

	t.Run("操作者取消", func(t *testing.T) {
		r, rt := newRegistry()
		deny := func(context.Context, string, domain.HookEntry) (bool, error) { return false, nil }
		err := r.RemoveHookEntry(context.Background(), "h", "s1", deny)
		if !errors.Is(err, domain.ErrConfirmDeclined) {
			t.Errorf("期望 ErrConfirmDeclined, got %v", err)
		}
		if len(rt.removed) != 0 {
			t.Error("取消后不应发送移除命令")
		}
	})

	t.Run("缺少确认器", func(t *testing.T) {
		r, rt := newRegistry()
		if err := r.RemoveHookEntry(context.Background(), "h", "s1", nil); !errors.Is(err, domain.ErrConfirmDeclined) {
			t.Errorf("期望 ErrConfirmDeclined, got %v", err)
		}
		if len(rt.removed) != 0 {
			t.Error("未确认不应发送移除命令")
		}
	})

	t.Run("绑定不存在视为已满足", func(t *testing.T) {
		r, rt := newRegistry()
		called := false
		confirm := func(context.Context, string, domain.HookEntry) (bool, error) { called = true; return true, nil }
		if err := r.RemoveHookEntry(context.Background(), "h", "missing", confirm); err != nil {
			t.Errorf("不存在的绑定应返回 nil, got %v", err)
		}
		if err := r.RemoveHookEntry(context.Background(), "nohook", "s1", confirm); err != nil {
			t.Errorf("不存在的钩子应返回 nil, got %v", err)
		}
		if called || len(rt.removed) != 0 {
			t.Error("不存在的绑定不应询问或发送命令")
		}
	})
}

func TestAddHookAndSubmitContent(t *testing.T) {
	rt := &fakeRuntime{}
	r := hooks.New(rt, nil)
	if err := r.AddHook(context.Background(), 7, map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := r.SubmitScriptContent(context.Background(), "yakit.AutoInitYakit()"); err != nil {
		t.Fatal(err)
	}
	if len(rt.byID) != 1 || rt.byID[0] != 7 || len(rt.sources) != 1 {
		t.Errorf("byID=%v sources=%v", rt.byID, rt.sources)
	}
}
