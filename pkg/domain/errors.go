package domain

import "errors"

// 引擎相关错误
var (
	ErrEngineStart         = errors.New("engine start failed")
	ErrEngineRuntime       = errors.New("engine runtime error")
	ErrEngineNotRunning    = errors.New("engine not running")
	ErrDevToolsUnreachable = errors.New("devtools unreachable")
	ErrNoTargetAttached    = errors.New("no target attached")
)

// 协议与状态相关错误
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrStaleCommand      = errors.New("stale command")
	ErrNotHijacked       = errors.New("no packet held")
	ErrNotRunning        = errors.New("hijack not running")
	ErrAlreadyRunning    = errors.New("hijack already running")
	ErrInvalidPayload    = errors.New("invalid edited payload")
)

// 钩子相关错误
var (
	ErrHookEntryNotFound = errors.New("hook entry not found")
	ErrConfirmDeclined   = errors.New("confirmation declined")
	ErrScriptNotFound    = errors.New("script not found")
)

// 配置相关错误
var (
	ErrInvalidConfig = errors.New("invalid config")
)

// 浏览器相关错误
var (
	ErrBrowserStartFailed = errors.New("browser start failed")
)

// 数据库相关错误
var (
	ErrDatabaseNotInitialized = errors.New("database not initialized")
	ErrRecordNotFound         = errors.New("record not found")
)
