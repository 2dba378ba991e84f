package agent

import (
	"errors"
	"fmt"
)

// Kind classifies failures inside a turn.
type Kind int

const (
	// KindParse 模型輸出的 JSON 無法解析；由兩段式解析在本地吸收，不會外露
	KindParse Kind = iota + 1
	// KindToolExecution 工具拋錯或逾時；記錄在 ToolExecutionRecord 後繼續下一步
	KindToolExecution
	// KindValidation 工具成功執行但輸出不可用；觸發一次 recovery
	KindValidation
	// KindRecoveryExhausted recovery 已用完仍沒有可用結果
	KindRecoveryExhausted
	// KindTransport 無法連上文字生成服務或逾時；該 turn 直接 COMPLETE
	KindTransport
)

var (
	ErrParse             = errors.New("parse error")
	ErrToolExecution     = errors.New("tool execution error")
	ErrValidation        = errors.New("validation failure")
	ErrRecoveryExhausted = errors.New("recovery exhausted")
	ErrTransport         = errors.New("transport error")
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindToolExecution:
		return "tool_execution"
	case KindValidation:
		return "validation"
	case KindRecoveryExhausted:
		return "recovery_exhausted"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindParse:
		return ErrParse
	case KindToolExecution:
		return ErrToolExecution
	case KindValidation:
		return ErrValidation
	case KindRecoveryExhausted:
		return ErrRecoveryExhausted
	case KindTransport:
		return ErrTransport
	default:
		return nil
	}
}

// Error carries the kind and the pipeline step that failed.
// errors.Is(err, ErrTransport) matches any *Error of KindTransport.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
