// Package archerrors 定义归档服务的错误分类体系
//
// 错误按严重程度和可恢复性分为五类:
//   - FATAL: 配置无效、对象存储启动时不可达等，终止整个运行
//   - TABLE_ERROR: 单表失败，隔离后继续其他表
//   - BATCH_TRANSIENT: 网络超时、死锁等，回滚后按重试预算重试
//   - BATCH_PERMANENT: 计数/校验和不一致等，立即升级为表错误
//   - WARNING: 模式漂移、慢查询等，仅记录
package archerrors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Class 错误类别
type Class string

const (
	ClassFatal          Class = "FATAL"
	ClassTableError     Class = "TABLE_ERROR"
	ClassBatchTransient Class = "BATCH_ERROR_TRANSIENT"
	ClassBatchPermanent Class = "BATCH_ERROR_PERMANENT"
	ClassWarning        Class = "WARNING"
)

// Error 归档业务错误
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Class   Class  `json:"class"`
	Cause   error  `json:"-"`
	// 结构化上下文: database/schema/table/batch/fingerprint/phase 等
	Context map[string]string `json:"context,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:    e.Code,
		Message: e.Message,
		Class:   e.Class,
		Cause:   e.Cause,
	}
	if e.Context != nil {
		newErr.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			newErr.Context[k] = v
		}
	}
	return newErr
}

// WithContext 附加结构化上下文
func (e *Error) WithContext(kv map[string]string) *Error {
	newErr := e.Copy()
	if newErr.Context == nil {
		newErr.Context = make(map[string]string, len(kv))
	}
	for k, v := range kv {
		newErr.Context[k] = v
	}
	return newErr
}

// WithDetail 附加单个上下文项
func (e *Error) WithDetail(key, value string) *Error {
	return e.WithContext(map[string]string{key: value})
}

// WithMessagef 格式化追加错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", e.Message, fmt.Sprintf(format, args...))
	return newErr
}

// JSON 返回 JSON 格式 (用于失败报告)
func (e *Error) JSON() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// New 创建新错误
func New(code string, class Class, message string) *Error {
	return &Error{Code: code, Message: message, Class: class}
}

// Wrap 包装底层错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// Wrapf 包装底层错误并追加信息
func Wrapf(err *Error, cause error, format string, args ...interface{}) *Error {
	newErr := err.Copy()
	newErr.Message = fmt.Sprintf("%s: %s", err.Message, fmt.Sprintf(format, args...))
	newErr.Cause = cause
	return newErr
}

// ClassOf 判定任意错误的类别，未分类错误视为瞬时错误
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Class
	}
	return ClassBatchTransient
}

// IsTransient 是否可重试
func IsTransient(err error) bool {
	return ClassOf(err) == ClassBatchTransient
}

// IsPermanent 是否为批次级永久错误
func IsPermanent(err error) bool {
	return ClassOf(err) == ClassBatchPermanent
}

// FromError 从标准错误转换
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr
	}
	return Wrap(ErrInternal, err)
}

// 致命错误
var (
	ErrInternal           = New("INTERNAL_ERROR", ClassFatal, "内部错误")
	ErrConfigInvalid      = New("CONFIG_INVALID", ClassFatal, "配置无效")
	ErrStorageUnreachable = New("STORAGE_UNREACHABLE", ClassFatal, "对象存储不可达")
	ErrEncryptionRequired = New("ENCRYPTION_REQUIRED", ClassFatal, "关键表要求存储端加密")
	ErrLockNotAcquired    = New("LOCK_NOT_ACQUIRED", ClassFatal, "未能获取运行锁")
)

// 表级错误
var (
	ErrSourceUnreachable  = New("SOURCE_UNREACHABLE", ClassTableError, "源数据库不可达")
	ErrSchemaIncompatible = New("SCHEMA_INCOMPATIBLE", ClassTableError, "表模式不兼容")
	ErrLegalHoldCheck     = New("LEGAL_HOLD_CHECK_FAILED", ClassTableError, "法律保留检查失败")
	ErrRetentionBounds    = New("RETENTION_OUT_OF_BOUNDS", ClassTableError, "保留期超出允许范围")
	ErrClockSkew          = New("CLOCK_SKEW", ClassTableError, "数据库时钟偏差超过阈值")
	ErrTableNotFound      = New("TABLE_NOT_FOUND", ClassTableError, "表不存在")
	ErrRetryExhausted     = New("RETRY_EXHAUSTED", ClassTableError, "批次重试预算耗尽")
)

// 批次级瞬时错误
var (
	ErrNetworkTimeout = New("NETWORK_TIMEOUT", ClassBatchTransient, "网络超时")
	ErrDeadlock       = New("DEADLOCK", ClassBatchTransient, "数据库死锁")
	ErrSlowDown       = New("SLOW_DOWN", ClassBatchTransient, "对象存储限速")
	ErrLockLost       = New("LOCK_HEARTBEAT_LOST", ClassBatchTransient, "锁心跳丢失")
	ErrCircuitOpen    = New("CIRCUIT_OPEN", ClassBatchTransient, "熔断器打开")
	ErrUploadFailed   = New("UPLOAD_FAILED", ClassBatchTransient, "对象上传失败")
)

// 批次级永久错误 (零数据丢失保障的核心校验)
var (
	ErrCountMismatch    = New("COUNT_MISMATCH", ClassBatchPermanent, "三方计数不一致")
	ErrChecksumMismatch = New("CHECKSUM_MISMATCH", ClassBatchPermanent, "校验和不一致")
	ErrKeySetMismatch   = New("KEY_SET_MISMATCH", ClassBatchPermanent, "主键集合不一致")
	ErrDeleteMismatch   = New("DELETE_COUNT_MISMATCH", ClassBatchPermanent, "删除行数不一致")
	ErrResidualRows     = New("RESIDUAL_ROWS", ClassBatchPermanent, "删除后抽样仍命中源行")
)

// 警告
var (
	ErrSchemaDrift = New("SCHEMA_DRIFT", ClassWarning, "检测到模式漂移")
)
