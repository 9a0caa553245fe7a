// Package audit 记录归档与恢复的不可变审计事件。
// 事件写入对象存储审计前缀并镜像到状态库。
package audit

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// Sink 审计事件接收器
type Sink interface {
	Record(ctx context.Context, event model.AuditEvent)
}

// StoreSink 对象存储 + 状态库双写。
// 审计写入失败只告警，永不阻断归档本身。
type StoreSink struct {
	store  objstore.Store
	keys   objstore.Keys
	mirror *gorm.DB
	host   string
}

// NewStoreSink 创建审计接收器。mirror 为 nil 时只写对象存储。
func NewStoreSink(store objstore.Store, keys objstore.Keys, mirror *gorm.DB) *StoreSink {
	host, _ := os.Hostname()
	return &StoreSink{store: store, keys: keys, mirror: mirror, host: host}
}

// Record 写入一条审计事件
func (s *StoreSink) Record(ctx context.Context, event model.AuditEvent) {
	if event.OccurAt.IsZero() {
		event.OccurAt = time.Now().UTC()
	}
	if event.Host == "" {
		event.Host = s.host
	}

	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("marshal audit event failed", zap.Error(err))
		return
	}
	key := s.keys.Audit(event.Kind, event.OccurAt)
	if _, err := s.store.Put(ctx, key, data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		logger.Warn("audit event store write failed",
			zap.String("kind", event.Kind), zap.String("key", key), zap.Error(err))
	}

	if s.mirror != nil {
		rec := model.AuditRecord{
			Kind:       event.Kind,
			RunID:      event.RunID,
			Database:   event.Database,
			SchemaName: event.Schema,
			TableName_: event.Table,
			Ordinal:    event.Ordinal,
			Rows:       event.Rows,
			Bytes:      event.Bytes,
			ObjectKey:  event.Key,
			ErrorCode:  event.ErrorCode,
			Message:    event.Message,
			OccurAt:    event.OccurAt.UnixMilli(),
		}
		if err := s.mirror.WithContext(ctx).Create(&rec).Error; err != nil {
			logger.Warn("audit event mirror write failed",
				zap.String("kind", event.Kind), zap.Error(err))
		}
	}
}

// NopSink 丢弃所有事件 (测试用)
type NopSink struct{}

// Record 空实现
func (NopSink) Record(ctx context.Context, event model.AuditEvent) {}
