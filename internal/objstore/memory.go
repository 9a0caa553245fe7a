package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore 内存存储，测试与 dry-run 使用
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	uploads map[string]*memUpload
	nextID  int

	// FailPut 注入 Put 错误 (测试用)
	FailPut func(key string) error
}

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

type memUpload struct {
	key       string
	parts     map[int][]byte
	initiated time.Time
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Put 写入对象
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error) {
	if s.FailPut != nil {
		if err := s.FailPut(key); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.objects[key]
	if opts.IfNoneMatch && exists {
		return nil, ErrPreconditionFailed
	}
	if opts.IfMatch != "" && (!exists || existing.etag != opts.IfMatch) {
		return nil, ErrPreconditionFailed
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	obj := memObject{data: cp, etag: etagOf(cp), modified: time.Now()}
	s.objects[key] = obj
	return &PutResult{ETag: obj.etag}, nil
}

// Get 读取对象
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, nil, ErrNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, s.infoLocked(key, obj), nil
}

// GetStream 流式读取
func (s *MemoryStore) GetStream(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	data, info, err := s.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

// Head 查询元信息
func (s *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.infoLocked(key, obj), nil
}

func (s *MemoryStore) infoLocked(key string, obj memObject) *ObjectInfo {
	return &ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified}
}

// List 按前缀列举
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *s.infoLocked(key, obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete 删除对象
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// CreateMultipart 创建分片上传
func (s *MemoryStore) CreateMultipart(ctx context.Context, key string, opts PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("upload-%d", s.nextID)
	s.uploads[id] = &memUpload{key: key, parts: make(map[int][]byte), initiated: time.Now()}
	return id, nil
}

// UploadPart 上传分片
func (s *MemoryStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return "", ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	up.parts[partNumber] = cp
	return etagOf(cp), nil
}

// CompleteMultipart 完成分片上传
func (s *MemoryStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return nil, ErrNotFound
	}
	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := up.parts[p.Number]
		if !ok {
			return nil, fmt.Errorf("objstore: missing part %d", p.Number)
		}
		buf.Write(data)
	}
	obj := memObject{data: buf.Bytes(), etag: etagOf(buf.Bytes()), modified: time.Now()}
	s.objects[key] = obj
	delete(s.uploads, uploadID)
	return &PutResult{ETag: obj.etag}, nil
}

// AbortMultipart 放弃分片上传
func (s *MemoryStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
	return nil
}

// ListMultipart 列举进行中的分片上传
func (s *MemoryStore) ListMultipart(ctx context.Context, prefix string) ([]MultipartInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MultipartInfo
	for id, up := range s.uploads {
		if strings.HasPrefix(up.key, prefix) {
			out = append(out, MultipartInfo{Key: up.key, UploadID: id, Initiated: up.initiated})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
