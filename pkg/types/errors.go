package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind 错误类别。API层以名字而非数字码对外暴露
type Kind string

const (
	KindNotFound     Kind = "NotFound"
	KindConflict     Kind = "Conflict"
	KindLocked       Kind = "Locked"
	KindBadFormat    Kind = "BadFormat"
	KindOutOfRange   Kind = "OutOfRange"
	KindUnauthorized Kind = "Unauthorized"
	KindUnavailable  Kind = "Unavailable"
	KindCancelled    Kind = "Cancelled"
	KindRateLimited  Kind = "RateLimited"
	KindIndexCorrupt Kind = "IndexCorrupt"
	KindInternal     Kind = "Internal"
)

// Error 带类别的错误。Detail携带面向调用方的结构化信息
// （如Conflict的当前版本、Locked的持有人）
type Error struct {
	Kind   Kind
	Msg    string
	Detail map[string]interface{}
	Err    error

	// CorrelationID 仅Internal错误携带，用于日志关联
	CorrelationID string
}

// Error 实现error接口
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap 支持errors.Is/As链
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail 附加结构化信息
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// E 创建指定类别的错误
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Internal 创建带correlation id的内部错误
func Internal(err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Msg:           "internal error",
		Err:           err,
		CorrelationID: uuid.NewString(),
	}
}

// KindOf 提取错误类别，未分类错误归为Internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindInternal
}

// IsKind 判断错误是否属于指定类别
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailOf 提取错误的结构化信息，没有则返回nil
func DetailOf(err error) map[string]interface{} {
	var le *Error
	if errors.As(err, &le) {
		return le.Detail
	}
	return nil
}
