package objstore

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound 对象不存在
	ErrNotFound = errors.New("objstore: object not found")
	// ErrPreconditionFailed 条件写前置条件不满足 (并发修改)
	ErrPreconditionFailed = errors.New("objstore: precondition failed")
	// ErrSlowDown 存储端限速
	ErrSlowDown = errors.New("objstore: slow down")
)

// ObjectInfo 对象元信息
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// PutOptions 写入选项
type PutOptions struct {
	ContentType string
	// IfNoneMatch 为 true 时仅在对象不存在时写入
	IfNoneMatch bool
	// IfMatch 非空时仅在 ETag 匹配时写入
	IfMatch string
}

// PutResult 写入结果
type PutResult struct {
	ETag string
}

// Store 对象存储接口。实现必须保证 Put 成功返回后对象持久可读。
type Store interface {
	// Put 写入对象，data 全量内容
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error)
	// Get 读取对象全部内容
	Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error)
	// GetStream 流式读取对象，调用方负责 Close
	GetStream(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	// Head 查询对象元信息，不存在返回 ErrNotFound
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// List 按前缀列举对象键 (字典序)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Delete 删除对象，不存在视为成功
	Delete(ctx context.Context, key string) error
}

// MultipartStore 支持分片上传的存储后端
type MultipartStore interface {
	Store
	// CreateMultipart 创建分片上传，返回 upload id
	CreateMultipart(ctx context.Context, key string, opts PutOptions) (string, error)
	// UploadPart 上传一个分片 (分片号从 1 开始)，返回分片 ETag
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error)
	// CompleteMultipart 完成分片上传
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*PutResult, error)
	// AbortMultipart 放弃分片上传并释放已上传分片
	AbortMultipart(ctx context.Context, key, uploadID string) error
	// ListMultipart 列举进行中的分片上传 (清理任务使用)
	ListMultipart(ctx context.Context, prefix string) ([]MultipartInfo, error)
}

// CompletedPart 已完成分片
type CompletedPart struct {
	Number int
	ETag   string
}

// MultipartInfo 进行中的分片上传
type MultipartInfo struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// IsNotFound 判断对象不存在错误
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPreconditionFailed 判断条件写冲突
func IsPreconditionFailed(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}
