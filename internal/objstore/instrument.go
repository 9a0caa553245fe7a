package objstore

import (
	"context"
	"io"
	"time"

	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
)

// InstrumentedStore 记录请求计数与耗时的装饰器
type InstrumentedStore struct {
	inner MultipartStore
}

// NewInstrumentedStore 包装底层存储
func NewInstrumentedStore(inner MultipartStore) *InstrumentedStore {
	return &InstrumentedStore{inner: inner}
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.StorageRequestsTotal.WithLabelValues(op, status).Inc()
	metrics.StorageRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error) {
	start := time.Now()
	res, err := s.inner.Put(ctx, key, data, opts)
	observe("put", start, err)
	return res, err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	start := time.Now()
	data, info, err := s.inner.Get(ctx, key)
	observe("get", start, err)
	return data, info, err
}

func (s *InstrumentedStore) GetStream(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	start := time.Now()
	rc, info, err := s.inner.GetStream(ctx, key)
	observe("get", start, err)
	return rc, info, err
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	start := time.Now()
	info, err := s.inner.Head(ctx, key)
	observe("head", start, err)
	return info, err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	out, err := s.inner.List(ctx, prefix)
	observe("list", start, err)
	return out, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	observe("delete", start, err)
	return err
}

func (s *InstrumentedStore) CreateMultipart(ctx context.Context, key string, opts PutOptions) (string, error) {
	start := time.Now()
	id, err := s.inner.CreateMultipart(ctx, key, opts)
	observe("put", start, err)
	return id, err
}

func (s *InstrumentedStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	start := time.Now()
	etag, err := s.inner.UploadPart(ctx, key, uploadID, partNumber, data)
	observe("put", start, err)
	return etag, err
}

func (s *InstrumentedStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*PutResult, error) {
	start := time.Now()
	res, err := s.inner.CompleteMultipart(ctx, key, uploadID, parts)
	observe("put", start, err)
	return res, err
}

func (s *InstrumentedStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	start := time.Now()
	err := s.inner.AbortMultipart(ctx, key, uploadID)
	observe("delete", start, err)
	return err
}

func (s *InstrumentedStore) ListMultipart(ctx context.Context, prefix string) ([]MultipartInfo, error) {
	start := time.Now()
	out, err := s.inner.ListMultipart(ctx, prefix)
	observe("list", start, err)
	return out, err
}
