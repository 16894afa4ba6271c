package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示部署流程中的统一错误码。
type Code string

// Severity 描述错误的严重程度，决定审计日志的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
// Label 是面向操作人员的错误类别描述，会出现在失败原因的开头。
type Attributes struct {
	Label     string
	Message   string
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeConfiguration    Code = "CONFIGURATION_ERROR"
	CodeNoSigner         Code = "NO_SIGNER_AVAILABLE"
	CodeArtifactNotFound Code = "ARTIFACT_NOT_FOUND"
	CodeSubmission       Code = "SUBMISSION_ERROR"
	CodeConfirmation     Code = "CONFIRMATION_ERROR"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeQueueFailure     Code = "QUEUE_FAILURE"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Label:    "unexpected error",
			Message:  "unknown error",
			Severity: SeverityCritical,
		},
		CodeInvalidArgument: {
			Label:    "invalid argument",
			Message:  "invalid argument",
			Severity: SeverityInfo,
		},
		CodeConfiguration: {
			Label:    "configuration error",
			Message:  "invalid network configuration",
			Severity: SeverityWarning,
		},
		CodeNoSigner: {
			Label:    "no signer available",
			Message:  "no signing key configured",
			Severity: SeverityWarning,
		},
		CodeArtifactNotFound: {
			Label:    "artifact not found",
			Message:  "no compiled artifact for contract",
			Severity: SeverityWarning,
		},
		CodeSubmission: {
			Label:    "submission error",
			Message:  "contract creation transaction was not accepted",
			Severity: SeverityCritical,
		},
		CodeConfirmation: {
			Label:    "confirmation error",
			Message:  "contract creation transaction was not confirmed",
			Severity: SeverityCritical,
		},
		CodeStorageFailure: {
			Label:     "storage failure",
			Message:   "storage failure",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		CodeQueueFailure: {
			Label:     "queue failure",
			Message:   "queue failure",
			Severity:  SeverityWarning,
			Retryable: true,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是部署流程内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如交易哈希或合约名。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Reason 返回面向操作人员的失败原因，例如
// "configuration error: empty endpoint"。
func (e *Error) Reason() string {
	if e == nil {
		return ""
	}
	reason := AttributesOf(e.code).Label + ": " + e.message
	if e.cause != nil {
		reason += ": " + e.cause.Error()
	}
	return reason
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// Sentinel 返回只携带错误码的实例，便于 errors.Is 比较。
func Sentinel(code Code) *Error {
	return &Error{code: code}
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ReasonOf 返回任意 error 的失败原因。非统一错误类型归入 UNKNOWN。
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Reason()
	}
	return AttributesOf(CodeUnknown).Label + ": " + err.Error()
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
