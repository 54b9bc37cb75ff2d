package gui

import (
	"mitmhijack/internal/storage/model"
	"mitmhijack/internal/storage/repo"
	"mitmhijack/pkg/domain"
)

// 推送到前端的事件名
const (
	EventNotice = "hijack-notice"
	EventState  = "hijack-state"
	EventLogs   = "log-snapshot"
	EventHooks  = "hooks-snapshot"
)

// StateData 状态数据
type StateData struct {
	State   domain.StateSnapshot `json:"state"`
	Profile repo.Profile         `json:"profile"`
}

// StreamData 引擎会话数据
type StreamData struct {
	Stream domain.StreamInfo `json:"stream"`
}

// FlagsData 模式开关数据
type FlagsData struct {
	Flags domain.ModeFlags `json:"flags"`
}

// FilterData 过滤规则数据
type FilterData struct {
	Filter domain.FilterRule `json:"filter"`
}

// HooksData 钩子集合数据
type HooksData struct {
	Hooks []domain.HookDescriptor `json:"hooks"`
}

// ScriptData 单个脚本数据
type ScriptData struct {
	Script *model.ScriptRecord `json:"script"`
}

// ScriptListData 脚本列表数据
type ScriptListData struct {
	Scripts []*model.ScriptRecord `json:"scripts"`
}

// LogsData 日志数据
type LogsData struct {
	Logs []domain.LogEvent `json:"logs"`
}

// HistoryData 劫持历史数据
type HistoryData struct {
	Records []*model.HijackRecordRow `json:"records"`
	Total   int64                    `json:"total"`
}

// CleanupData 清理结果
type CleanupData struct {
	Deleted int64 `json:"deleted"`
}

// TargetListData 目标列表数据
type TargetListData struct {
	Targets []domain.TargetInfo `json:"targets"`
}

// HostIPData 挂起报文主机解析数据
type HostIPData struct {
	Host domain.HostIPs `json:"host"`
}

// VersionData 版本数据
type VersionData struct {
	Version string `json:"version"`
}
