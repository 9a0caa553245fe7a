package objstore

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// recoverAfter 限速后恢复速率前需要的连续成功时长
const recoverAfter = 30 * time.Second

// ThrottledStore 令牌桶限速装饰器。
// 收到存储端限速信号时速率减半，持续成功后逐步恢复到配置值。
type ThrottledStore struct {
	inner MultipartStore

	mu         sync.Mutex
	limiter    *rate.Limiter
	configured rate.Limit
	floor      rate.Limit
	lastThrottle time.Time
}

// NewThrottledStore 创建限速存储。rps <= 0 时不限速，原样返回底层存储。
func NewThrottledStore(inner MultipartStore, rps float64, burst int) MultipartStore {
	if rps <= 0 {
		return inner
	}
	limit := rate.Limit(rps)
	return &ThrottledStore{
		inner:      inner,
		limiter:    rate.NewLimiter(limit, burst),
		configured: limit,
		floor:      limit / 16,
	}
}

func (t *ThrottledStore) wait(ctx context.Context) error {
	t.maybeRecover()
	return t.limiter.Wait(ctx)
}

// observe 按结果调整速率
func (t *ThrottledStore) observe(err error) {
	if err == nil || !errors.Is(err, ErrSlowDown) {
		return
	}
	metrics.StorageThrottleTotal.Inc()
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.limiter.Limit() / 2
	if next < t.floor {
		next = t.floor
	}
	t.limiter.SetLimit(next)
	t.lastThrottle = time.Now()
	logger.Warn("storage throttled, rate halved", zap.Float64("rps", float64(next)))
}

// maybeRecover 持续无限速信号时向配置速率恢复
func (t *ThrottledStore) maybeRecover() {
	t.mu.Lock()
	defer t.mu.Unlock()
	current := t.limiter.Limit()
	if current >= t.configured || t.lastThrottle.IsZero() {
		return
	}
	if time.Since(t.lastThrottle) < recoverAfter {
		return
	}
	next := current * 2
	if next > t.configured {
		next = t.configured
	}
	t.limiter.SetLimit(next)
	t.lastThrottle = time.Now()
	logger.Info("storage rate recovering", zap.Float64("rps", float64(next)))
}

func (t *ThrottledStore) Put(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	res, err := t.inner.Put(ctx, key, data, opts)
	t.observe(err)
	return res, err
}

func (t *ThrottledStore) Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, nil, err
	}
	data, info, err := t.inner.Get(ctx, key)
	t.observe(err)
	return data, info, err
}

func (t *ThrottledStore) GetStream(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, nil, err
	}
	rc, info, err := t.inner.GetStream(ctx, key)
	t.observe(err)
	return rc, info, err
}

func (t *ThrottledStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	info, err := t.inner.Head(ctx, key)
	t.observe(err)
	return info, err
}

func (t *ThrottledStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	out, err := t.inner.List(ctx, prefix)
	t.observe(err)
	return out, err
}

func (t *ThrottledStore) Delete(ctx context.Context, key string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	err := t.inner.Delete(ctx, key)
	t.observe(err)
	return err
}

func (t *ThrottledStore) CreateMultipart(ctx context.Context, key string, opts PutOptions) (string, error) {
	if err := t.wait(ctx); err != nil {
		return "", err
	}
	id, err := t.inner.CreateMultipart(ctx, key, opts)
	t.observe(err)
	return id, err
}

func (t *ThrottledStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (string, error) {
	if err := t.wait(ctx); err != nil {
		return "", err
	}
	etag, err := t.inner.UploadPart(ctx, key, uploadID, partNumber, data)
	t.observe(err)
	return etag, err
}

func (t *ThrottledStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (*PutResult, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	res, err := t.inner.CompleteMultipart(ctx, key, uploadID, parts)
	t.observe(err)
	return res, err
}

func (t *ThrottledStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	err := t.inner.AbortMultipart(ctx, key, uploadID)
	t.observe(err)
	return err
}

func (t *ThrottledStore) ListMultipart(ctx context.Context, prefix string) ([]MultipartInfo, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	out, err := t.inner.ListMultipart(ctx, prefix)
	t.observe(err)
	return out, err
}
