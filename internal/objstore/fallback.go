package objstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// Spool 对象存储不可达时的本地兜底。批次写入本地目录，
// 兜底清理任务负责回放到对象存储后清除本地副本。
// 注意: 落入兜底的批次不允许删除源行，源行保留到回放完成。
type Spool struct {
	local *LocalStore
}

// NewSpool 创建兜底目录
func NewSpool(dir string) (*Spool, error) {
	local, err := NewLocalStore(dir)
	if err != nil {
		return nil, fmt.Errorf("init fallback spool: %w", err)
	}
	return &Spool{local: local}, nil
}

// Put 写入兜底副本
func (s *Spool) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.local.Put(ctx, key, data, PutOptions{}); err != nil {
		return fmt.Errorf("spool object: %w", err)
	}
	metrics.FallbackSpoolsTotal.Inc()
	logger.Warn("object spooled to local fallback", zap.String("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Pending 待回放对象数量
func (s *Spool) Pending(ctx context.Context) (int, error) {
	objs, err := s.local.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(objs), nil
}

// Drain 回放兜底对象到目标存储。单个对象失败不阻断其余对象，
// 返回成功回放数量与首个错误。
func (s *Spool) Drain(ctx context.Context, target Store) (int, error) {
	objs, err := s.local.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list spool: %w", err)
	}
	var drained int
	var firstErr error
	for _, obj := range objs {
		if ctx.Err() != nil {
			break
		}
		data, _, err := s.local.Get(ctx, obj.Key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := target.Put(ctx, obj.Key, data, PutOptions{}); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("replay %s: %w", obj.Key, err)
			}
			continue
		}
		if err := s.local.Delete(ctx, obj.Key); err != nil {
			logger.Warn("remove drained spool object failed", zap.String("key", obj.Key), zap.Error(err))
		}
		drained++
	}
	if drained > 0 {
		logger.Info("fallback spool drained", zap.Int("objects", drained))
	}
	return drained, firstErr
}

// PurgeOlderThan 清除超龄兜底对象，返回清除数量。
// 只应在确认对象已另行回放或放弃后调用。
func (s *Spool) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	objs, err := s.local.OlderThan(ctx, "", time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	var purged int
	for _, obj := range objs {
		if err := s.local.Delete(ctx, obj.Key); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}
