package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalStore 本地磁盘存储。对象键映射为根目录下的相对路径，
// 写入先落临时文件再原子重命名。
type LocalStore struct {
	root string
}

// NewLocalStore 创建本地存储
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create local store root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) pathOf(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put 写入对象
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error) {
	path := s.pathOf(key)

	if opts.IfNoneMatch || opts.IfMatch != "" {
		existing, err := os.ReadFile(path)
		exists := err == nil
		if opts.IfNoneMatch && exists {
			return nil, ErrPreconditionFailed
		}
		if opts.IfMatch != "" {
			if !exists {
				return nil, ErrPreconditionFailed
			}
			sum := md5.Sum(existing)
			if hex.EncodeToString(sum[:]) != opts.IfMatch {
				return nil, ErrPreconditionFailed
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("commit object: %w", err)
	}
	sum := md5.Sum(data)
	return &PutResult{ETag: hex.EncodeToString(sum[:])}, nil
}

// Get 读取对象
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	path := s.pathOf(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("read object: %w", err)
	}
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return data, info, nil
}

// GetStream 流式读取
func (s *LocalStore) GetStream(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.pathOf(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	return f, info, nil
}

// Head 查询元信息
func (s *LocalStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	path := s.pathOf(key)
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	if st.IsDir() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	sum := md5.Sum(data)
	return &ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: st.ModTime(),
	}, nil
}

// List 按前缀列举
func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Key: key, Size: st.Size(), LastModified: st.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Delete 删除对象
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.pathOf(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// OlderThan 列举修改时间早于截止的对象 (兜底清理任务使用)
func (s *LocalStore) OlderThan(ctx context.Context, prefix string, cutoff time.Time) ([]ObjectInfo, error) {
	all, err := s.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	for _, o := range all {
		if o.LastModified.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}
