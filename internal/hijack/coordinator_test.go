package hijack_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mitmhijack/internal/hijack"
	"mitmhijack/internal/hooks"
	"mitmhijack/internal/logstream"
	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"
)

// fakeEngine 记录收到的命令
type fakeEngine struct {
	mu       sync.Mutex
	calls    []string
	startErr error
	cmdErr   error // 报文命令的返回值
	stream   domain.StreamInfo
	recovers atomic.Int32
	stops    atomic.Int32
	filters  []domain.FilterRule

	// onRecover 在 Recover 时回调，用于模拟引擎重新推送
	onRecover func(n int32)
}

func (f *fakeEngine) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Start(ctx context.Context, opts domain.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.record("start(%s)", opts.Addr())
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.stops.Add(1)
	return nil
}

func (f *fakeEngine) ForwardRequest(ctx context.Context, id int64) error {
	f.record("forwardRequest(%d)", id)
	return f.cmdErr
}

func (f *fakeEngine) ForwardResponse(ctx context.Context, id int64) error {
	f.record("forwardResponse(%d)", id)
	return f.cmdErr
}

func (f *fakeEngine) ForwardModifiedRequest(ctx context.Context, payload []byte, id int64) error {
	f.record("forwardModifiedRequest(%s,%d)", payload, id)
	return f.cmdErr
}

func (f *fakeEngine) ForwardModifiedResponse(ctx context.Context, payload []byte, id int64) error {
	f.record("forwardModifiedResponse(%s,%d)", payload, id)
	return f.cmdErr
}

func (f *fakeEngine) DropRequest(ctx context.Context, id int64) error {
	f.record("dropRequest(%d)", id)
	return f.cmdErr
}

func (f *fakeEngine) DropResponse(ctx context.Context, id int64) error {
	f.record("dropResponse(%d)", id)
	return f.cmdErr
}

func (f *fakeEngine) AllowResponseHijack(ctx context.Context, id int64) error {
	f.record("allowResponseHijack(%d)", id)
	return nil
}

func (f *fakeEngine) SetAutoForward(ctx context.Context, on bool) error {
	f.record("setAutoForward(%v)", on)
	return nil
}

func (f *fakeEngine) SetFilter(ctx context.Context, rule domain.FilterRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, rule)
	return nil
}

func (f *fakeEngine) Recover(ctx context.Context) error {
	n := f.recovers.Add(1)
	if f.onRecover != nil {
		f.onRecover(n)
	}
	return nil
}

func (f *fakeEngine) CurrentStream(ctx context.Context) (domain.StreamInfo, error) {
	return f.stream, nil
}

// commandCalls 过滤掉 start/setAutoForward 等非报文命令
func commandCalls(calls []string) []string {
	var out []string
	for _, c := range calls {
		if len(c) >= 5 && (c[:5] == "start" || c[:4] == "setA") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func newCoordinator(t *testing.T, eng *fakeEngine, mutate ...func(*hijack.Config)) *hijack.Coordinator {
	t.Helper()
	cfg := hijack.Config{
		Engine:              eng,
		RecoverInterval:     40 * time.Millisecond,
		HookRefreshInterval: 20 * time.Millisecond,
		LogDiffInterval:     20 * time.Millisecond,
		CommandTimeout:      time.Second,
		NoticeBuffer:        256,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c := hijack.New(cfg)
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func startManual(t *testing.T, c *hijack.Coordinator) {
	t.Helper()
	if err := c.Start(context.Background(), domain.StartOptions{Host: "127.0.0.1", Port: 8083}); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
}

func request(id int64, url string) *domain.PacketEnvelope {
	return &domain.PacketEnvelope{ID: id, Direction: domain.DirectionRequest, URL: url, Payload: []byte("orig")}
}

func response(id, responseID int64) *domain.PacketEnvelope {
	return &domain.PacketEnvelope{ID: id, Direction: domain.DirectionResponse, ResponseID: responseID, Payload: []byte("HTTP/1.1 200 OK\r\n\r\n")}
}

func drainNotices(c *hijack.Coordinator) []domain.Notice {
	var out []domain.Notice
	for {
		select {
		case n := <-c.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestScenarioHoldAndForwardEdited(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	if c.Status() != domain.StatusHijacking {
		t.Fatalf("启动后应为 Hijacking, got %s", c.Status())
	}

	c.OnHijacked(&domain.PacketEnvelope{ID: 1, Direction: domain.DirectionRequest, URL: "http://a", Payload: []byte("orig")})

	if c.Status() != domain.StatusHijacked {
		t.Fatalf("挂起后应为 Hijacked, got %s", c.Status())
	}
	if held := c.Held(); held == nil || held.ID != 1 {
		t.Fatalf("挂起报文 id 应为 1, got %+v", held)
	}

	if err := c.Forward(context.Background(), 1, []byte("edited")); err != nil {
		t.Fatalf("Forward 失败: %v", err)
	}

	calls := commandCalls(eng.Calls())
	if len(calls) != 1 || calls[0] != "forwardModifiedRequest(edited,1)" {
		t.Errorf("引擎命令错误: %v", calls)
	}
	if c.Held() != nil || c.Status() != domain.StatusHijacking {
		t.Errorf("放行后槽位应清空且状态为 Hijacking, status=%s", c.Status())
	}
}

func TestForwardUneditedFallsBackToOriginal(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	c.OnHijacked(response(10, 4))
	// 未开启劫持响应时，响应直接放行
	if got := commandCalls(eng.Calls()); len(got) != 1 || got[0] != "forwardResponse(4)" {
		t.Fatalf("未授权的响应应直接放行: %v", got)
	}

	_ = c.SetHijackAllResponses(context.Background(), true)
	c.OnHijacked(response(11, 5))
	if err := c.Forward(context.Background(), 5, nil); err != nil {
		t.Fatal(err)
	}
	calls := commandCalls(eng.Calls())
	if calls[len(calls)-1] != "forwardModifiedResponse(HTTP/1.1 200 OK\r\n\r\n,5)" {
		t.Errorf("未编辑时应以原始内容放行: %q", calls[len(calls)-1])
	}
}

func TestScenarioAutoForwardResponse(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)
	if err := c.SetAutoForward(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	drainNotices(c)

	c.OnHijacked(&domain.PacketEnvelope{ID: 20, Direction: domain.DirectionResponse, ResponseID: 7})

	calls := commandCalls(eng.Calls())
	if len(calls) != 1 || calls[0] != "forwardResponse(7)" {
		t.Errorf("自动放行应立即下发 forwardResponse(7): %v", calls)
	}
	if c.Status() != domain.StatusHijacking {
		t.Errorf("状态应保持 Hijacking, got %s", c.Status())
	}
	for _, n := range drainNotices(c) {
		if n.Status == domain.StatusHijacked {
			t.Error("不应出现 Hijacked 状态")
		}
	}
}

func TestScenarioResponseWithoutResponseID(t *testing.T) {
	for _, auto := range []bool{false, true} {
		t.Run(fmt.Sprintf("autoForward=%v", auto), func(t *testing.T) {
			eng := &fakeEngine{}
			c := newCoordinator(t, eng)
			startManual(t, c)
			_ = c.SetAutoForward(context.Background(), auto)
			_ = c.SetHijackAllResponses(context.Background(), true)
			drainNotices(c)

			c.OnHijacked(&domain.PacketEnvelope{ID: 3, Direction: domain.DirectionResponse})

			if got := commandCalls(eng.Calls()); len(got) != 1 || got[0] != "dropResponse(3)" {
				t.Errorf("违规响应应按自身 id 丢弃且不放行: %v", got)
			}
			if c.Held() != nil {
				t.Error("违规响应不应被挂起")
			}
			var violations int
			for _, n := range drainNotices(c) {
				if n.Code == string(errx.CodeProtocolViolation) {
					violations++
				}
			}
			if violations != 1 {
				t.Errorf("应通知一次协议违规, got %d", violations)
			}
		})
	}
}

func TestAutoForwardToggleForwardsHeldOnce(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	c.OnHijacked(request(5, "http://a"))
	if err := c.SetAutoForward(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	calls := commandCalls(eng.Calls())
	if len(calls) != 1 || calls[0] != "forwardRequest(5)" {
		t.Errorf("应恰好放行一次挂起报文: %v", calls)
	}
	if c.Held() != nil || c.Status() != domain.StatusHijacking {
		t.Error("开启自动放行后槽位应为空")
	}

	// 再次开启不应重复放行
	_ = c.SetAutoForward(context.Background(), true)
	if got := commandCalls(eng.Calls()); len(got) != 1 {
		t.Errorf("重复开启不应产生新命令: %v", got)
	}
}

func TestStaleCommandRejected(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)
	c.OnHijacked(request(2, "http://b"))

	tests := []struct {
		name string
		run  func() error
	}{
		{"Forward", func() error { return c.Forward(context.Background(), 1, []byte("x")) }},
		{"ForwardOriginal", func() error { return c.ForwardOriginal(context.Background(), 1) }},
		{"Drop", func() error { return c.Drop(context.Background(), 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, domain.ErrStaleCommand) || !errx.Is(err, errx.CodeStaleCommand) {
				t.Errorf("期望 StaleCommandError, got %v", err)
			}
			if held := c.Held(); held == nil || held.ID != 2 {
				t.Error("过期命令不应影响挂起报文")
			}
		})
	}
	if got := commandCalls(eng.Calls()); len(got) != 0 {
		t.Errorf("过期命令不应下发到引擎: %v", got)
	}

	// 处理掉当前报文后，同一 id 的第二次命令也是过期命令
	if err := c.Drop(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if err := c.Drop(context.Background(), 2); !errors.Is(err, domain.ErrStaleCommand) || !errors.Is(err, domain.ErrNotHijacked) {
		t.Errorf("槽位为空时期望 StaleCommand/NotHijacked, got %v", err)
	}
}

func TestEngineRejectedCommandKeepsHeld(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   errx.Code
		kept   bool
		result domain.HijackStatus
	}{
		{"引擎判定过期", fmt.Errorf("%w: request 1", domain.ErrStaleCommand), errx.CodeStaleCommand, true, domain.StatusHijacked},
		{"编辑内容无法解析", fmt.Errorf("%w: request 1", domain.ErrInvalidPayload), errx.CodeInvalidPayload, true, domain.StatusHijacked},
		{"引擎运行时错误", errors.New("websocket closed"), errx.CodeEngineRuntime, false, domain.StatusHijacking},
	}
	ops := []struct {
		name string
		run  func(c *hijack.Coordinator) error
	}{
		{"Forward", func(c *hijack.Coordinator) error { return c.Forward(context.Background(), 1, []byte("edited")) }},
		{"ForwardOriginal", func(c *hijack.Coordinator) error { return c.ForwardOriginal(context.Background(), 1) }},
		{"Drop", func(c *hijack.Coordinator) error { return c.Drop(context.Background(), 1) }},
	}
	for _, tt := range tests {
		for _, op := range ops {
			t.Run(tt.name+"/"+op.name, func(t *testing.T) {
				eng := &fakeEngine{cmdErr: tt.err}
				c := newCoordinator(t, eng)
				startManual(t, c)
				c.OnHijacked(request(1, "http://a"))

				err := op.run(c)
				if !errx.Is(err, tt.code) {
					t.Fatalf("期望错误码 %s, got %v", tt.code, err)
				}
				held := c.Held()
				if tt.kept && (held == nil || held.ID != 1) {
					t.Errorf("引擎未处理的报文应保持挂起, got %+v", held)
				}
				if !tt.kept && held != nil {
					t.Errorf("运行时错误后槽位应清空, got %+v", held)
				}
				if c.Status() != tt.result {
					t.Errorf("状态应为 %s, got %s", tt.result, c.Status())
				}
			})
		}
	}

	t.Run("修正后再次放行", func(t *testing.T) {
		eng := &fakeEngine{cmdErr: domain.ErrInvalidPayload}
		c := newCoordinator(t, eng)
		startManual(t, c)
		c.OnHijacked(request(1, "http://a"))

		if err := c.Forward(context.Background(), 1, []byte("bad")); !errors.Is(err, domain.ErrInvalidPayload) {
			t.Fatalf("期望 ErrInvalidPayload, got %v", err)
		}
		eng.mu.Lock()
		eng.cmdErr = nil
		eng.mu.Unlock()
		if err := c.Forward(context.Background(), 1, []byte("good")); err != nil {
			t.Fatalf("修正后的放行失败: %v", err)
		}
		calls := commandCalls(eng.Calls())
		if len(calls) != 2 || calls[1] != "forwardModifiedRequest(good,1)" {
			t.Errorf("引擎命令错误: %v", calls)
		}
		if c.Held() != nil || c.Status() != domain.StatusHijacking {
			t.Errorf("放行后槽位应清空, status=%s", c.Status())
		}
	})
}

func TestDropByDirection(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)
	_ = c.SetHijackAllResponses(context.Background(), true)

	c.OnHijacked(request(1, "http://a"))
	if err := c.Drop(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	c.OnHijacked(response(2, 1))
	if err := c.Drop(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	want := []string{"allowResponseHijack(1)", "dropRequest(1)", "dropResponse(1)"}
	got := commandCalls(eng.Calls())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCommandsWhenIdle(t *testing.T) {
	c := newCoordinator(t, &fakeEngine{})
	err := c.Forward(context.Background(), 1, nil)
	if !errors.Is(err, domain.ErrNotRunning) || !errx.Is(err, errx.CodeInvalidState) {
		t.Errorf("Idle 时放行应返回 ErrNotRunning, got %v", err)
	}

	c.OnHijacked(request(1, "http://a"))
	if c.Held() != nil {
		t.Error("Idle 时收到的事件应被忽略")
	}
}

func TestStartFailure(t *testing.T) {
	eng := &fakeEngine{startErr: errors.New("bind: address already in use")}
	c := newCoordinator(t, eng)

	err := c.Start(context.Background(), domain.StartOptions{Host: "127.0.0.1", Port: 8083})
	if !errors.Is(err, domain.ErrEngineStart) || !errx.Is(err, errx.CodeEngineStart) {
		t.Fatalf("期望 EngineStartError, got %v", err)
	}
	if c.Status() != domain.StatusIdle {
		t.Errorf("启动失败后应保持 Idle, got %s", c.Status())
	}

	eng.startErr = nil
	startManual(t, c)
	if err := c.Start(context.Background(), domain.StartOptions{Host: "127.0.0.1", Port: 8083}); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("重复启动应返回 ErrAlreadyRunning, got %v", err)
	}
}

func TestEngineErrorForcesIdle(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)
	c.OnHijacked(request(1, "http://a"))
	drainNotices(c)

	c.OnError("upstream connection reset")
	c.OnError("second report ignored")

	if c.Status() != domain.StatusIdle || c.Held() != nil {
		t.Errorf("引擎错误应强制回到 Idle 并清空槽位, status=%s", c.Status())
	}
	var errorsSeen int
	for _, n := range drainNotices(c) {
		if n.Kind == domain.NoticeError {
			errorsSeen++
			if n.Code != string(errx.CodeEngineRuntime) {
				t.Errorf("错误码应为 ENGINE_RUNTIME, got %s", n.Code)
			}
		}
	}
	if errorsSeen != 1 {
		t.Errorf("引擎错误应只通知一次, got %d", errorsSeen)
	}
	eventually(t, func() bool { return eng.stops.Load() >= 1 }, "引擎错误后应停止引擎")
}

func TestEngineEmptyErrorIsNormalClose(t *testing.T) {
	c := newCoordinator(t, &fakeEngine{})
	startManual(t, c)
	drainNotices(c)

	c.OnError("")

	if c.Status() != domain.StatusIdle {
		t.Errorf("应回到 Idle, got %s", c.Status())
	}
	for _, n := range drainNotices(c) {
		if n.Kind == domain.NoticeError {
			t.Error("空消息表示正常关闭，不应产生错误通知")
		}
	}
}

func TestNewEnvelopeWhileHeldIsViolation(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	c.OnHijacked(request(1, "http://a"))
	c.OnHijacked(request(2, "http://b"))

	if held := c.Held(); held == nil || held.ID != 1 {
		t.Fatalf("原挂起报文应保持不变, got %+v", held)
	}
	calls := commandCalls(eng.Calls())
	if len(calls) != 1 || calls[0] != "dropRequest(2)" {
		t.Errorf("违规的新报文应被丢弃: %v", calls)
	}

	// 恢复信号导致的同 id 重复推送不算违规
	c.OnHijacked(&domain.PacketEnvelope{ID: 1, Direction: domain.DirectionRequest, Payload: []byte("again")})
	if got := commandCalls(eng.Calls()); len(got) != 1 {
		t.Errorf("重复推送不应产生命令: %v", got)
	}
	if string(c.Held().Payload) != "again" {
		t.Error("重复推送应刷新挂起内容")
	}
}

func TestHijackAllResponsesOptsInHeldRequest(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	c.OnHijacked(request(1, "http://a"))
	if err := c.SetHijackAllResponses(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	_ = c.ForwardOriginal(context.Background(), 1)

	c.OnHijacked(request(2, "http://b"))

	want := []string{"allowResponseHijack(1)", "forwardRequest(1)", "allowResponseHijack(2)"}
	if got := commandCalls(eng.Calls()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAllowCurrentResponseHijack(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	if err := c.AllowCurrentResponseHijack(context.Background()); !errors.Is(err, domain.ErrNotHijacked) {
		t.Errorf("无挂起报文时应返回 ErrNotHijacked, got %v", err)
	}

	c.OnHijacked(request(1, "http://a"))
	if err := c.AllowCurrentResponseHijack(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.Flags().AllowCurrentResponseHijack {
		t.Error("授权后开关应置位")
	}
	_ = c.ForwardOriginal(context.Background(), 1)

	// 另一个请求的响应不受影响
	c.OnHijacked(response(30, 9))
	if c.Held() != nil {
		t.Error("未授权请求的响应不应挂起")
	}
	c.OnHijacked(response(31, 1))
	if held := c.Held(); held == nil || held.ResponseID != 1 {
		t.Fatalf("已授权请求的响应应挂起, got %+v", held)
	}
	if c.Flags().AllowCurrentResponseHijack {
		t.Error("新挂起报文应复位单次授权开关")
	}
}

func TestFilterPropagation(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)

	var pushed []domain.FilterRule
	c.OnFilter(func(r domain.FilterRule) { pushed = append(pushed, r) })

	// Idle 时只更新本地
	_ = c.SetFilter(context.Background(), domain.FilterRule{ExcludeSuffix: []string{".png"}})
	if len(eng.filters) != 0 {
		t.Error("Idle 时不应下发到引擎")
	}

	startManual(t, c)
	_ = c.SetFilter(context.Background(), domain.FilterRule{ExcludeMethod: []string{"OPTIONS"}})
	if len(eng.filters) != 1 {
		t.Error("运行时应下发到引擎")
	}

	c.OnFilterChanged(domain.FilterRule{IncludeHostname: []string{"a.com"}})
	if got := c.Filter(); len(got.ExcludeMethod) != 0 || got.IncludeHostname[0] != "a.com" {
		t.Errorf("引擎推送的过滤器应整体覆盖本地: %+v", got)
	}

	rule := domain.FilterRule{ExcludeHostname: []string{"b.com"}}
	env := request(1, "http://a")
	env.Filter = &rule
	c.OnHijacked(env)
	if got := c.Filter(); len(got.ExcludeHostname) != 1 || len(got.IncludeHostname) != 0 {
		t.Errorf("随事件附带的过滤器应被应用: %+v", got)
	}
	if len(pushed) != 4 {
		t.Errorf("每次变化都应回调, got %d", len(pushed))
	}
}

func TestStopClearsStateAndFlags(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)
	_ = c.SetHijackAllResponses(context.Background(), true)
	c.OnHijacked(request(1, "http://a"))

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Status() != domain.StatusIdle || c.Held() != nil {
		t.Error("Stop 后应为 Idle 且槽位为空")
	}
	if c.Flags() != (domain.ModeFlags{}) {
		t.Errorf("Stop 应清空模式开关: %+v", c.Flags())
	}
	if eng.stops.Load() != 1 {
		t.Errorf("应调用引擎 Stop 一次, got %d", eng.stops.Load())
	}
}

func TestRecoveryLoop(t *testing.T) {
	eng := &fakeEngine{stream: domain.StreamInfo{Running: true, Pending: true, Host: "127.0.0.1", Port: 8083}}
	c := newCoordinator(t, eng, func(cfg *hijack.Config) {
		cfg.RecoverInterval = 50 * time.Millisecond
	})

	info, err := c.Attach(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Port != 8083 {
		t.Errorf("Attach 应返回引擎会话信息: %+v", info)
	}
	if c.Status() != domain.StatusHijacked || c.Held() != nil {
		t.Fatalf("有未决包但无本地副本时应为 Hijacked 且槽位为空, status=%s", c.Status())
	}

	time.Sleep(275 * time.Millisecond)
	n := eng.recovers.Load()
	// Attach 本身发送一次，随后每 50ms 至多一次
	if n < 3 || n > 8 {
		t.Errorf("275ms 内恢复次数应在 3~8 之间, got %d", n)
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	after := eng.recovers.Load()
	time.Sleep(120 * time.Millisecond)
	if eng.recovers.Load() != after {
		t.Errorf("Stop 后恢复轮询仍在执行: %d -> %d", after, eng.recovers.Load())
	}
}

func TestRecoveryLoopStopsWhenHealed(t *testing.T) {
	eng := &fakeEngine{stream: domain.StreamInfo{Running: true, Pending: true}}
	var c *hijack.Coordinator
	eng.onRecover = func(n int32) {
		if n == 3 {
			c.OnHijacked(request(42, "http://healed"))
		}
	}
	c = newCoordinator(t, eng, func(cfg *hijack.Config) {
		cfg.RecoverInterval = 20 * time.Millisecond
	})

	if _, err := c.Attach(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return c.Held() != nil }, "恢复后应重新拿到挂起报文")

	time.Sleep(50 * time.Millisecond)
	settled := eng.recovers.Load()
	time.Sleep(100 * time.Millisecond)
	if eng.recovers.Load() != settled {
		t.Errorf("一致后恢复轮询应停止: %d -> %d", settled, eng.recovers.Load())
	}
}

type countingRuntime struct {
	lists atomic.Int32
}

func (r *countingRuntime) ListHooks(ctx context.Context) ([]domain.HookDescriptor, error) {
	r.lists.Add(1)
	return nil, nil
}
func (r *countingRuntime) SubmitScriptByID(context.Context, int64, map[string]string) error {
	return nil
}
func (r *countingRuntime) SubmitScriptContent(context.Context, string) error { return nil }
func (r *countingRuntime) RemoveHook(context.Context, string, string) error  { return nil }

// TestTimersCancelledOnStop Stop 返回后，钩子刷新与日志对比都不再触发
func TestTimersCancelledOnStop(t *testing.T) {
	rt := &countingRuntime{}
	logs := logstream.New(25)
	var published atomic.Int32
	logs.Subscribe(func(logstream.Snapshot) { published.Add(1) })

	c := newCoordinator(t, &fakeEngine{}, func(cfg *hijack.Config) {
		cfg.Hooks = hooks.New(rt, nil)
		cfg.Logs = logs
	})
	startManual(t, c)

	c.OnLogMessage(domain.LogEvent{Data: "hello", Timestamp: 1})
	eventually(t, func() bool { return rt.lists.Load() >= 2 && published.Load() >= 1 }, "周期任务应在运行")

	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	lists, pubs := rt.lists.Load(), published.Load()
	c.OnLogMessage(domain.LogEvent{Data: "after stop", Timestamp: 2})
	time.Sleep(80 * time.Millisecond)
	if rt.lists.Load() != lists {
		t.Errorf("Stop 后钩子刷新仍在执行: %d -> %d", lists, rt.lists.Load())
	}
	if published.Load() != pubs {
		t.Errorf("Stop 后日志对比仍在执行: %d -> %d", pubs, published.Load())
	}
}

func TestOnHooksAndLogs(t *testing.T) {
	reg := hooks.New(&countingRuntime{}, nil)
	c := newCoordinator(t, &fakeEngine{}, func(cfg *hijack.Config) { cfg.Hooks = reg })

	c.OnHooks([]domain.HookDescriptor{{HookName: "hijackHTTPRequest", Entries: []domain.HookEntry{{Verbose: "x"}}}})
	if !reg.Active("hijackHTTPRequest") {
		t.Error("OnHooks 应更新注册表")
	}
	c.OnLogMessage(domain.LogEvent{Data: "a"})
	if c.Logs().Len() != 1 {
		t.Error("OnLogMessage 应写入日志缓冲")
	}
}

func TestOnStartedFromIdle(t *testing.T) {
	c := newCoordinator(t, &fakeEngine{})
	c.OnStarted()
	if c.Status() != domain.StatusHijacking {
		t.Errorf("startedSuccessfully 应进入 Hijacking, got %s", c.Status())
	}
	if c.Session() == "" {
		t.Error("应生成会话 id")
	}
}

// TestSingleSlotInvariant 随机交错事件与命令，任一时刻最多一个挂起报文，
// 且 Hijacked 与槽位非空一致
func TestSingleSlotInvariant(t *testing.T) {
	r := rand.New(rand.NewSource(20240601))
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	var nextID int64 = 1
	for step := 0; step < 2000; step++ {
		switch r.Intn(9) {
		case 0, 1, 2:
			c.OnHijacked(request(nextID, "http://r"))
			nextID++
		case 3:
			c.OnHijacked(response(nextID, r.Int63n(nextID+1)))
			nextID++
		case 4:
			if h := c.Held(); h != nil {
				_ = c.Forward(context.Background(), h.CommandID(), []byte("e"))
			} else {
				_ = c.Forward(context.Background(), r.Int63n(nextID+1), nil)
			}
		case 5:
			if h := c.Held(); h != nil {
				_ = c.Drop(context.Background(), h.CommandID())
			}
		case 6:
			_ = c.SetAutoForward(context.Background(), r.Intn(2) == 0)
		case 7:
			_ = c.SetHijackAllResponses(context.Background(), r.Intn(2) == 0)
		case 8:
			_ = c.AllowCurrentResponseHijack(context.Background())
		}

		snap := c.Snapshot()
		if (snap.Status == domain.StatusHijacked) != (snap.Held != nil) {
			t.Fatalf("第 %d 步状态与槽位不一致: status=%s held=%v", step, snap.Status, snap.Held)
		}
		if snap.Flags.AutoForward && snap.Held != nil {
			t.Fatalf("第 %d 步自动放行时仍有挂起报文", step)
		}
		drainNotices(c)
	}
}

// TestConcurrentEventsAndCommands 并发下不出现数据竞争与死锁
func TestConcurrentEventsAndCommands(t *testing.T) {
	eng := &fakeEngine{}
	c := newCoordinator(t, eng)
	startManual(t, c)

	var wg sync.WaitGroup
	var id atomic.Int64
	for g := 0; g < 4; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.OnHijacked(request(id.Add(1), "http://c"))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if h := c.Held(); h != nil {
					_ = c.Forward(context.Background(), h.CommandID(), nil)
				}
				_ = c.Recover(context.Background())
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if (snap.Status == domain.StatusHijacked) != (snap.Held != nil) {
		t.Errorf("状态与槽位不一致: %+v", snap)
	}
}
