// Package gui 提供给 Wails 前端调用的绑定
package gui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mitmhijack/internal/config"
	"mitmhijack/internal/httpapi"
	"mitmhijack/internal/logger"
	"mitmhijack/internal/storage/model"
	"mitmhijack/internal/storage/repo"
	"mitmhijack/pkg/api"
	"mitmhijack/pkg/domain"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// App 负责劫持服务与前端之间的调用和事件推送
type App struct {
	ctx     context.Context
	cfg     *config.Config
	log     logger.Logger
	service api.Service

	// emit 与 confirm 在测试中替换为桩
	emit    func(ctx context.Context, event string, data ...any)
	confirm func(ctx context.Context, title, message string) (bool, error)

	cancelPump context.CancelFunc
	cancelLogs func()
	pumpWg     sync.WaitGroup
	apiServer  *http.Server
}

// NewApp 创建并返回一个新的 App 实例
func NewApp(cfg *config.Config, l logger.Logger) *App {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &App{
		cfg:     cfg,
		log:     l.With("component", "gui"),
		emit:    runtime.EventsEmit,
		confirm: nativeConfirm,
	}
}

// Startup 创建劫持服务并开始向前端推送事件
func (a *App) Startup(ctx context.Context) {
	a.ctx = ctx
	a.log.Info("应用启动")

	svc, err := api.NewService(a.cfg, a.log)
	if err != nil {
		a.log.Err(err, "服务初始化失败")
		return
	}
	a.bind(ctx, svc)
}

// bind 接入服务并启动事件推送
func (a *App) bind(ctx context.Context, svc api.Service) {
	a.ctx = ctx
	a.service = svc

	pumpCtx, cancel := context.WithCancel(ctx)
	a.cancelPump = cancel
	a.pumpWg.Add(1)
	go a.pumpNotices(pumpCtx)

	a.cancelLogs = svc.SubscribeLogs(func(evs []domain.LogEvent) {
		a.emit(a.ctx, EventLogs, LogsData{Logs: evs})
	})
	svc.SubscribeHooks(func(descs []domain.HookDescriptor) {
		a.emit(a.ctx, EventHooks, HooksData{Hooks: descs})
	})

	if a.cfg.HTTPAPI.Enabled {
		a.serveAPI(svc)
	}
}

// serveAPI 在后台开启 HTTP 控制接口
func (a *App) serveAPI(svc api.Service) {
	a.apiServer = &http.Server{
		Addr:              a.cfg.HTTPAPI.Addr,
		Handler:           httpapi.NewServer(svc, a.log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("HTTP 控制接口已开启", "addr", a.cfg.HTTPAPI.Addr)
		if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Err(err, "HTTP 控制接口异常退出")
		}
	}()
}

// Shutdown 负责清理资源
func (a *App) Shutdown(ctx context.Context) {
	a.log.Info("应用关闭中...")
	if a.cancelLogs != nil {
		a.cancelLogs()
	}
	if a.cancelPump != nil {
		a.cancelPump()
	}
	a.pumpWg.Wait()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			a.log.Warn("关闭 HTTP 控制接口失败", "error", err)
		}
	}
	if a.service != nil {
		if err := a.service.Close(ctx); err != nil {
			a.log.Warn("关闭服务失败", "error", err)
		}
	}
	a.log.Info("应用已关闭")
}

// BeforeClose 有挂起报文时确认是否退出，返回 true 阻止关闭
func (a *App) BeforeClose(ctx context.Context) bool {
	if a.service == nil || a.service.State().Status != domain.StatusHijacked {
		return false
	}
	ok, err := a.confirm(ctx, "Warning", "A packet is still held. Quit and release it?")
	if err != nil {
		a.log.Warn("关闭确认对话框出错", "error", err)
		return true
	}
	return !ok
}

// pumpNotices 将协调器通知推送到前端，状态变化时附带最新快照
func (a *App) pumpNotices(ctx context.Context) {
	defer a.pumpWg.Done()
	notices := a.service.Notices()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notices:
			a.emit(a.ctx, EventNotice, n)
			if n.Kind == domain.NoticeStatus || n.Kind == domain.NoticeError {
				a.emit(a.ctx, EventState, a.stateData())
			}
		}
	}
}

func (a *App) stateData() StateData {
	return StateData{State: a.service.State(), Profile: a.service.Profile()}
}

// ready 服务未初始化时返回失败响应
func ready[T any](a *App) (api.Response[T], bool) {
	if a.service == nil {
		return api.Fail[T](CodeServiceUnavailable, ""), false
	}
	return api.Response[T]{}, true
}

// fail 翻译错误并构造失败响应
func fail[T any](a *App, err error) api.Response[T] {
	code, msg := a.translateError(err)
	return api.Fail[T](code, msg)
}

func (a *App) callCtx() (context.Context, context.CancelFunc) {
	ctx := a.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, a.cfg.Timing.CommandTimeout()+10*time.Second)
}

// StartHijack 启动劫持，参数为零值时使用保存的配置
func (a *App) StartHijack(host string, port int, downstreamProxy string) api.Response[StateData] {
	if res, ok := ready[StateData](a); !ok {
		return res
	}
	a.log.Info("启动劫持", "host", host, "port", port, "downstreamProxy", downstreamProxy)
	ctx, cancel := a.callCtx()
	defer cancel()
	opts := domain.StartOptions{Host: host, Port: port, DownstreamProxy: downstreamProxy}
	if err := a.service.Start(ctx, opts); err != nil {
		return fail[StateData](a, err)
	}
	return api.OK(a.stateData())
}

// StopHijack 停止劫持
func (a *App) StopHijack() api.Response[api.EmptyData] {
	if res, ok := ready[api.EmptyData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.Stop(ctx); err != nil {
		return fail[api.EmptyData](a, err)
	}
	return api.OK(api.EmptyData{})
}

// AttachSession 附着到运行中的引擎会话
func (a *App) AttachSession() api.Response[StreamData] {
	if res, ok := ready[StreamData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	info, err := a.service.Attach(ctx)
	if err != nil {
		return fail[StreamData](a, err)
	}
	return api.OK(StreamData{Stream: info})
}

// GetState 当前状态
func (a *App) GetState() api.Response[StateData] {
	if res, ok := ready[StateData](a); !ok {
		return res
	}
	return api.OK(a.stateData())
}

// ForwardPacket 放行挂起报文，payload 为空时原样放行
func (a *App) ForwardPacket(id int64, payload string) api.Response[api.EmptyData] {
	if res, ok := ready[api.EmptyData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	var err error
	if payload == "" {
		err = a.service.ForwardOriginal(ctx, id)
	} else {
		err = a.service.Forward(ctx, id, []byte(payload))
	}
	if err != nil {
		return fail[api.EmptyData](a, err)
	}
	return api.OK(api.EmptyData{})
}

// DropPacket 丢弃挂起报文
func (a *App) DropPacket(id int64) api.Response[api.EmptyData] {
	if res, ok := ready[api.EmptyData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.Drop(ctx, id); err != nil {
		return fail[api.EmptyData](a, err)
	}
	return api.OK(api.EmptyData{})
}

// RecoverPacket 请求引擎重新推送挂起报文
func (a *App) RecoverPacket() api.Response[api.EmptyData] {
	if res, ok := ready[api.EmptyData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.Recover(ctx); err != nil {
		return fail[api.EmptyData](a, err)
	}
	return api.OK(api.EmptyData{})
}

// SetAutoForward 切换自动放行
func (a *App) SetAutoForward(on bool) api.Response[FlagsData] {
	if res, ok := ready[FlagsData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.SetAutoForward(ctx, on); err != nil {
		return fail[FlagsData](a, err)
	}
	return api.OK(FlagsData{Flags: a.service.State().Flags})
}

// SetHijackAllResponses 切换劫持全部响应
func (a *App) SetHijackAllResponses(on bool) api.Response[FlagsData] {
	if res, ok := ready[FlagsData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.SetHijackAllResponses(ctx, on); err != nil {
		return fail[FlagsData](a, err)
	}
	return api.OK(FlagsData{Flags: a.service.State().Flags})
}

// AllowCurrentResponseHijack 劫持当前请求的响应
func (a *App) AllowCurrentResponseHijack() api.Response[FlagsData] {
	if res, ok := ready[FlagsData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.AllowCurrentResponseHijack(ctx); err != nil {
		return fail[FlagsData](a, err)
	}
	return api.OK(FlagsData{Flags: a.service.State().Flags})
}

// GetFilter 当前过滤规则
func (a *App) GetFilter() api.Response[FilterData] {
	if res, ok := ready[FilterData](a); !ok {
		return res
	}
	return api.OK(FilterData{Filter: a.service.GetFilter()})
}

// SetFilter 以 JSON 更新过滤规则
func (a *App) SetFilter(filterJSON string) api.Response[FilterData] {
	if res, ok := ready[FilterData](a); !ok {
		return res
	}
	var rule domain.FilterRule
	if err := json.Unmarshal([]byte(filterJSON), &rule); err != nil {
		return fail[FilterData](a, err)
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.SetFilter(ctx, rule); err != nil {
		return fail[FilterData](a, err)
	}
	return api.OK(FilterData{Filter: a.service.GetFilter()})
}

// ListHooks 当前钩子集合
func (a *App) ListHooks() api.Response[HooksData] {
	if res, ok := ready[HooksData](a); !ok {
		return res
	}
	return api.OK(HooksData{Hooks: a.service.Hooks()})
}

// AddHook 按脚本 id 挂载钩子，paramsJSON 为字符串键值对象
func (a *App) AddHook(scriptID int64, paramsJSON string) api.Response[HooksData] {
	if res, ok := ready[HooksData](a); !ok {
		return res
	}
	params := map[string]string{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return fail[HooksData](a, err)
		}
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.AddHook(ctx, scriptID, params); err != nil {
		return fail[HooksData](a, err)
	}
	return api.OK(HooksData{Hooks: a.service.Hooks()})
}

// SubmitScript 提交临时脚本
func (a *App) SubmitScript(source string) api.Response[HooksData] {
	if res, ok := ready[HooksData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.SubmitScript(ctx, source); err != nil {
		return fail[HooksData](a, err)
	}
	return api.OK(HooksData{Hooks: a.service.Hooks()})
}

// RemoveHookEntry 弹出原生确认框后移除钩子绑定
func (a *App) RemoveHookEntry(hookName, entryKey string) api.Response[HooksData] {
	if res, ok := ready[HooksData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	confirm := func(ctx context.Context, hookName string, entry domain.HookEntry) (bool, error) {
		return a.confirm(ctx, "Remove hook", fmt.Sprintf("Remove %s from %s?", entry.Verbose, hookName))
	}
	if err := a.service.RemoveHookEntry(ctx, hookName, entryKey, confirm); err != nil {
		return fail[HooksData](a, err)
	}
	return api.OK(HooksData{Hooks: a.service.Hooks()})
}

// ListScripts 列出插件脚本
func (a *App) ListScripts() api.Response[ScriptListData] {
	if res, ok := ready[ScriptListData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	list, err := a.service.ListScripts(ctx)
	if err != nil {
		return fail[ScriptListData](a, err)
	}
	return api.OK(ScriptListData{Scripts: list})
}

// SaveScript 保存插件脚本，hookNames 为逗号分隔
func (a *App) SaveScript(name, hookNames, content, params string) api.Response[ScriptData] {
	if res, ok := ready[ScriptData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	rec := &model.ScriptRecord{Name: name, HookNames: hookNames, Content: content, Params: params}
	if err := a.service.SaveScript(ctx, rec); err != nil {
		return fail[ScriptData](a, err)
	}
	return api.OK(ScriptData{Script: rec})
}

// DeleteScript 删除插件脚本
func (a *App) DeleteScript(id int64) api.Response[api.EmptyData] {
	if res, ok := ready[api.EmptyData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	if err := a.service.DeleteScript(ctx, id); err != nil {
		return fail[api.EmptyData](a, err)
	}
	return api.OK(api.EmptyData{})
}

// GetLatestLogs 最近发布的插件日志
func (a *App) GetLatestLogs() api.Response[LogsData] {
	if res, ok := ready[LogsData](a); !ok {
		return res
	}
	return api.OK(LogsData{Logs: a.service.LatestLogs()})
}

// QueryHistory 以 JSON 条件查询劫持历史
func (a *App) QueryHistory(queryJSON string) api.Response[HistoryData] {
	if res, ok := ready[HistoryData](a); !ok {
		return res
	}
	var q repo.HistoryQuery
	if queryJSON != "" {
		if err := json.Unmarshal([]byte(queryJSON), &q); err != nil {
			return fail[HistoryData](a, err)
		}
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	rows, total, err := a.service.QueryHistory(ctx, q)
	if err != nil {
		return fail[HistoryData](a, err)
	}
	return api.OK(HistoryData{Records: rows, Total: total})
}

// CleanupHistory 按保留天数清理劫持历史
func (a *App) CleanupHistory(retentionDays int) api.Response[CleanupData] {
	if res, ok := ready[CleanupData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	n, err := a.service.CleanupHistory(ctx, retentionDays)
	if err != nil {
		return fail[CleanupData](a, err)
	}
	a.log.Info("已清理劫持历史", "retentionDays", retentionDays, "deletedCount", n)
	return api.OK(CleanupData{Deleted: n})
}

// ListTargets 已附着的浏览器页面
func (a *App) ListTargets() api.Response[TargetListData] {
	if res, ok := ready[TargetListData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	targets, err := a.service.Targets(ctx)
	if err != nil {
		return fail[TargetListData](a, err)
	}
	return api.OK(TargetListData{Targets: targets})
}

// ResolveHeldHost 解析挂起报文目标主机的 IP
func (a *App) ResolveHeldHost() api.Response[HostIPData] {
	if res, ok := ready[HostIPData](a); !ok {
		return res
	}
	ctx, cancel := a.callCtx()
	defer cancel()
	ips, err := a.service.HeldHostIPs(ctx)
	if err != nil {
		return fail[HostIPData](a, err)
	}
	return api.OK(HostIPData{Host: ips})
}

// GetVersion 获取应用版本号
func (a *App) GetVersion() api.Response[VersionData] {
	return api.OK(VersionData{Version: a.cfg.Version})
}

// nativeConfirm 弹出原生确认框
func nativeConfirm(ctx context.Context, title, message string) (bool, error) {
	result, err := runtime.MessageDialog(ctx, runtime.MessageDialogOptions{
		Type:          runtime.QuestionDialog,
		Title:         title,
		Message:       message,
		DefaultButton: "No",
		Buttons:       []string{"Yes", "No"},
	})
	if err != nil {
		return false, err
	}
	return result == "Yes", nil
}
