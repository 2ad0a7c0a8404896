// Package apperr 定义带稳定数字编码的领域错误。
package apperr

import (
	"errors"
	"fmt"
)

// Code 为领域错误编码，数值写入日志与通知，不可重排。
type Code int

const (
	CodeUnknown Code = 0

	// CodeValidation 表示实体状态不一致，总是致命。
	CodeValidation Code = 1000

	CodeNoEligibleAccounts  Code = 2001
	CodeNoDecomposedOrders  Code = 2002
	CodeUnaliveCredential   Code = 2003
	CodeDuplicateCredential Code = 2004
	CodeInactiveUser        Code = 2005
	CodeHungRequest         Code = 2006
	CodeInvalidTarget       Code = 2007

	// CodeAdapter 表示交易所返回了错误或无法解析的响应。
	CodeAdapter Code = 3001
)

var codeNames = map[Code]string{
	CodeUnknown:             "UNKNOWN",
	CodeValidation:          "VALIDATION",
	CodeNoEligibleAccounts:  "NO_ELIGIBLE_ACCOUNTS",
	CodeNoDecomposedOrders:  "NO_DECOMPOSED_ORDERS",
	CodeUnaliveCredential:   "UNALIVE_CREDENTIAL",
	CodeDuplicateCredential: "DUPLICATE_CREDENTIAL",
	CodeInactiveUser:        "INACTIVE_USER",
	CodeHungRequest:         "HUNG_REQUEST",
	CodeInvalidTarget:       "INVALID_TARGET",
	CodeAdapter:             "ADAPTER",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// Error 为领域错误。
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d %s] %s: %v", int(e.Code), e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d %s] %s", int(e.Code), e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建领域错误。
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf 按格式创建领域错误。
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误。
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Validationf 是 CodeValidation 的便捷构造。
func Validationf(format string, args ...interface{}) *Error {
	return Newf(CodeValidation, format, args...)
}

// CodeOf 返回错误链上第一个领域错误的编码，不存在时返回 CodeUnknown。
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// Is 判断错误链是否携带指定编码。
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Message 返回适合写入 status_message 的简短描述。
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Err != nil {
			return appErr.Msg + ": " + appErr.Err.Error()
		}
		return appErr.Msg
	}
	return err.Error()
}
