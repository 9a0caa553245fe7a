// Package state 管理归档进度状态: 水位线、表清单与检查点。
// 对象存储副本为权威源，数据库镜像仅用于运维查询。
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// WatermarkStore 水位线存储。写入走条件请求，检出并发修改。
// 多张表在一次运行中并发推进各自的水位线，共享同一个实例。
type WatermarkStore struct {
	store objstore.Store
	keys  objstore.Keys
	// mirror 可选数据库镜像
	mirror *gorm.DB

	// mu 保护 etags
	mu sync.Mutex
	// etags 上次读取的 ETag，按表键索引
	etags map[string]string
}

// NewWatermarkStore 创建水位线存储。mirror 为 nil 时不写镜像。
func NewWatermarkStore(store objstore.Store, keys objstore.Keys, mirror *gorm.DB) *WatermarkStore {
	return &WatermarkStore{store: store, keys: keys, mirror: mirror, etags: make(map[string]string)}
}

// Load 读取表水位线。不存在返回零水位线。
// 完整性哈希不符视为状态损坏，归档不得开始。
func (s *WatermarkStore) Load(ctx context.Context, t model.TableTarget) (*model.Watermark, error) {
	data, info, err := s.store.Get(ctx, s.keys.Watermark(t))
	if err != nil {
		if objstore.IsNotFound(err) {
			s.forgetETag(t.Key())
			return &model.Watermark{Database: t.Database, Schema: t.Schema, Table: t.Table}, nil
		}
		return nil, fmt.Errorf("load watermark %s: %w", t.Key(), err)
	}
	var w model.Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, archerrors.ErrInternal.Copy().
			WithMessagef("corrupt watermark for %s: %v", t.Key(), err)
	}
	if !w.VerifyIntegrity() {
		return nil, archerrors.ErrInternal.Copy().
			WithMessagef("watermark integrity check failed for %s", t.Key())
	}
	s.setETag(t.Key(), info.ETag)
	return &w, nil
}

// Advance 推进水位线。新水位线必须不小于当前值，条件写防并发覆盖。
func (s *WatermarkStore) Advance(ctx context.Context, t model.TableTarget, w *model.Watermark) error {
	current, err := s.Load(ctx, t)
	if err != nil {
		return err
	}
	if w.Cursor().Less(current.Cursor()) {
		return archerrors.ErrInternal.Copy().
			WithMessagef("watermark regression on %s: %v -> %v", t.Key(), current.Cursor(), w.Cursor())
	}

	w.UpdatedAt = time.Now().UTC()
	w.Seal()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}

	opts := objstore.PutOptions{ContentType: "application/json"}
	if etag, ok := s.etag(t.Key()); ok {
		opts.IfMatch = etag
	} else {
		opts.IfNoneMatch = true
	}
	res, err := s.store.Put(ctx, s.keys.Watermark(t), data, opts)
	if err != nil {
		if objstore.IsPreconditionFailed(err) {
			return archerrors.ErrInternal.Copy().
				WithMessagef("concurrent watermark update on %s", t.Key())
		}
		return fmt.Errorf("store watermark %s: %w", t.Key(), err)
	}
	s.setETag(t.Key(), res.ETag)

	s.mirrorWrite(ctx, w)
	return nil
}

func (s *WatermarkStore) etag(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	etag, ok := s.etags[key]
	return etag, ok
}

func (s *WatermarkStore) setETag(key, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.etags[key] = etag
}

func (s *WatermarkStore) forgetETag(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.etags, key)
}

// mirrorWrite 镜像写失败只告警，不影响归档
func (s *WatermarkStore) mirrorWrite(ctx context.Context, w *model.Watermark) {
	if s.mirror == nil {
		return
	}
	rec := model.WatermarkRecord{
		Database:       w.Database,
		SchemaName:     w.Schema,
		TableName_:     w.Table,
		LastTs:         w.LastTs.UnixNano(),
		LastPK:         w.LastPK,
		CumulativeRows: w.CumulativeRows,
		ContentSHA256:  w.ContentSHA256,
		UpdatedAt:      w.UpdatedAt.UnixMilli(),
	}
	err := s.mirror.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "database_name"}, {Name: "schema_name"}, {Name: "table_name"},
		},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		logger.Warn("watermark mirror write failed",
			zap.String("table", w.Database+"/"+w.Schema+"/"+w.Table), zap.Error(err))
	}
}
