package errs

import (
	"errors"
	"fmt"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindAuth
	KindBusiness
	KindTimeout
	KindCancelled
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindBusiness:
		return "business"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}

// 每种分类对应的哨兵错误，配合 errors.Is 使用
var (
	ErrTransport = errors.New("transport error")
	ErrAuth      = errors.New("authentication error")
	ErrBusiness  = errors.New("analysis failed")
	ErrTimedOut  = errors.New("analysis timed out")
	ErrCancelled = errors.New("cancelled")
	ErrInvalid   = errors.New("invalid response")
)

var sentinels = map[Kind]error{
	KindTransport: ErrTransport,
	KindAuth:      ErrAuth,
	KindBusiness:  ErrBusiness,
	KindTimeout:   ErrTimedOut,
	KindCancelled: ErrCancelled,
	KindInvalid:   ErrInvalid,
}

// Error 面向用户的单条错误消息，Err 保留诊断信息
type Error struct {
	Kind    Kind
	JobID   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New 创建错误
func New(kind Kind, jobID, message string, err error) *Error {
	return &Error{Kind: kind, JobID: jobID, Message: message, Err: err}
}

// Newf 格式化消息
func Newf(kind Kind, jobID string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, JobID: jobID, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf 取错误分类，非 *Error 返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message 取面向用户的消息
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
