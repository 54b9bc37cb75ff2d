package errx

import (
	"errors"
	"fmt"
)

type Code string

type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, msg string) *Error { return &Error{Code: code, Msg: msg} }

func Wrap(code Code, err error, msg string) *Error { return &Error{Code: code, Msg: msg, Err: err} }

// Wrapf 同 Wrap，消息支持格式化
func Wrapf(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf 返回错误链上第一个错误码，未找到时返回空
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

const (
	CodeEngineStart       Code = "ENGINE_START_FAILED"
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"
	CodeEngineRuntime     Code = "ENGINE_RUNTIME"
	CodeStaleCommand      Code = "STALE_COMMAND"
	CodeInvalidPayload    Code = "INVALID_PAYLOAD"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeHookNotFound      Code = "HOOK_NOT_FOUND"
	CodeDatabase          Code = "DATABASE_ERROR"
)
