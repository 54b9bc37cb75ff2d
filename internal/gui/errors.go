package gui

import (
	"encoding/json"
	"errors"
	"strings"

	"mitmhijack/pkg/domain"
	"mitmhijack/pkg/errx"
)

// 错误码常量
const (
	CodeEngineStartFailed   = string(errx.CodeEngineStart)
	CodeProtocolViolation   = string(errx.CodeProtocolViolation)
	CodeEngineRuntime       = string(errx.CodeEngineRuntime)
	CodeStaleCommand        = string(errx.CodeStaleCommand)
	CodeInvalidPayload      = string(errx.CodeInvalidPayload)
	CodeNotRunning          = "NOT_RUNNING"
	CodeAlreadyRunning      = "ALREADY_RUNNING"
	CodeNotHijacked         = "NOT_HIJACKED"
	CodeHookNotFound        = string(errx.CodeHookNotFound)
	CodeConfirmDeclined     = "CONFIRM_DECLINED"
	CodeScriptNotFound      = "SCRIPT_NOT_FOUND"
	CodeNoTargetAttached    = "NO_TARGET_ATTACHED"
	CodeDevToolsUnreachable = "DEVTOOLS_UNREACHABLE"
	CodeBrowserStartFailed  = "BROWSER_START_FAILED"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeDatabaseError       = string(errx.CodeDatabase)
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeUnknown             = "UNKNOWN_ERROR"
)

// errorMappings 按优先级排列：外层语义（启动失败、过期命令）先于底层原因匹配
var errorMappings = []struct {
	err  error
	code string
}{
	{domain.ErrEngineStart, CodeEngineStartFailed},
	{domain.ErrStaleCommand, CodeStaleCommand},
	{domain.ErrInvalidPayload, CodeInvalidPayload},
	{domain.ErrProtocolViolation, CodeProtocolViolation},
	{domain.ErrEngineRuntime, CodeEngineRuntime},
	{domain.ErrNotRunning, CodeNotRunning},
	{domain.ErrEngineNotRunning, CodeNotRunning},
	{domain.ErrAlreadyRunning, CodeAlreadyRunning},
	{domain.ErrNotHijacked, CodeNotHijacked},
	{domain.ErrHookEntryNotFound, CodeHookNotFound},
	{domain.ErrConfirmDeclined, CodeConfirmDeclined},
	{domain.ErrScriptNotFound, CodeScriptNotFound},
	{domain.ErrNoTargetAttached, CodeNoTargetAttached},
	{domain.ErrDevToolsUnreachable, CodeDevToolsUnreachable},
	{domain.ErrBrowserStartFailed, CodeBrowserStartFailed},
	{domain.ErrInvalidConfig, CodeInvalidConfig},
	{domain.ErrDatabaseNotInitialized, CodeDatabaseError},
	{domain.ErrRecordNotFound, CodeDatabaseError},
}

// translateError 将领域错误转换为错误码（前端根据错误码进行国际化）
func (a *App) translateError(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			a.log.Err(err, "业务错误", "code", m.code)
			return m.code, ""
		}
	}

	if c := errx.CodeOf(err); c != "" {
		a.log.Err(err, "业务错误", "code", c)
		return string(c), ""
	}

	// 处理网络相关错误
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "dial tcp") ||
		strings.Contains(errStr, "websocket: bad handshake") ||
		strings.Contains(errStr, "deadline exceeded") {
		a.log.Err(err, "网络错误")
		return CodeNetworkError, ""
	}

	// 处理 JSON 解析错误
	var jsonErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &jsonErr) || errors.As(err, &typeErr) {
		a.log.Err(err, "JSON解析错误")
		return CodeInvalidConfig, ""
	}

	a.log.Err(err, "未知错误")
	return CodeUnknown, err.Error()
}
