package api

import (
	"context"

	"mitmhijack/internal/config"
	"mitmhijack/internal/hooks"
	"mitmhijack/internal/logger"
	"mitmhijack/internal/service"
	"mitmhijack/internal/storage/model"
	"mitmhijack/internal/storage/repo"
	"mitmhijack/pkg/domain"
)

// Service 服务接口
type Service interface {
	// Start 启动劫持，未填写的参数取自保存的会话配置
	Start(ctx context.Context, opts domain.StartOptions) error

	// Stop 停止劫持
	Stop(ctx context.Context) error

	// Attach 附着到引擎上已在运行的会话
	Attach(ctx context.Context) (domain.StreamInfo, error)

	// State 当前状态快照
	State() domain.StateSnapshot

	// Profile 当前会话配置
	Profile() repo.Profile

	// Forward 以编辑后的内容放行挂起报文
	Forward(ctx context.Context, id int64, edited []byte) error

	// ForwardOriginal 原样放行挂起报文
	ForwardOriginal(ctx context.Context, id int64) error

	// Drop 丢弃挂起报文
	Drop(ctx context.Context, id int64) error

	// Recover 请求引擎重新推送挂起报文
	Recover(ctx context.Context) error

	// SetAutoForward 切换自动放行
	SetAutoForward(ctx context.Context, on bool) error

	// SetHijackAllResponses 切换劫持全部响应
	SetHijackAllResponses(ctx context.Context, on bool) error

	// AllowCurrentResponseHijack 劫持当前请求的响应
	AllowCurrentResponseHijack(ctx context.Context) error

	// GetFilter 当前过滤规则
	GetFilter() domain.FilterRule

	// SetFilter 更新过滤规则
	SetFilter(ctx context.Context, rule domain.FilterRule) error

	// Hooks 当前钩子集合
	Hooks() []domain.HookDescriptor

	// AddHook 按脚本 id 挂载钩子
	AddHook(ctx context.Context, scriptID int64, params map[string]string) error

	// SubmitScript 提交临时脚本
	SubmitScript(ctx context.Context, source string) error

	// RemoveHookEntry 移除钩子绑定
	RemoveHookEntry(ctx context.Context, hookName, entryKey string, confirm hooks.Confirmer) error

	// SaveScript 保存插件脚本
	SaveScript(ctx context.Context, rec *model.ScriptRecord) error

	// ListScripts 列出插件脚本
	ListScripts(ctx context.Context) ([]*model.ScriptRecord, error)

	// DeleteScript 删除插件脚本
	DeleteScript(ctx context.Context, id int64) error

	// LatestLogs 最近发布的插件日志
	LatestLogs() []domain.LogEvent

	// SubscribeLogs 订阅日志快照
	SubscribeLogs(fn func([]domain.LogEvent)) (cancel func())

	// SubscribeHooks 订阅钩子集合变化
	SubscribeHooks(fn func([]domain.HookDescriptor))

	// QueryHistory 查询劫持历史
	QueryHistory(ctx context.Context, q repo.HistoryQuery) ([]*model.HijackRecordRow, int64, error)

	// CleanupHistory 按保留天数清理历史
	CleanupHistory(ctx context.Context, retentionDays int) (int64, error)

	// Targets 已附着的浏览器页面
	Targets(ctx context.Context) ([]domain.TargetInfo, error)

	// HeldHostIPs 解析挂起报文目标主机的 IP
	HeldHostIPs(ctx context.Context) (domain.HostIPs, error)

	// Notices 状态与错误通知
	Notices() <-chan domain.Notice

	// Close 释放全部资源
	Close(ctx context.Context) error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	return service.New(service.Options{Config: cfg, Logger: l})
}
