package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
)

// RestoreWatermarkStore 恢复水位线存储。
// 归档水位线之外独立推进, 只在批次实际写入目标表后记录。
type RestoreWatermarkStore struct {
	store objstore.Store
	keys  objstore.Keys
}

// NewRestoreWatermarkStore 创建恢复水位线存储
func NewRestoreWatermarkStore(store objstore.Store, keys objstore.Keys) *RestoreWatermarkStore {
	return &RestoreWatermarkStore{store: store, keys: keys}
}

// Load 读取表恢复水位线。不存在返回零水位线。
func (s *RestoreWatermarkStore) Load(ctx context.Context, t model.TableTarget) (*model.RestoreWatermark, error) {
	data, _, err := s.store.Get(ctx, s.keys.RestoreWatermark(t))
	if err != nil {
		if objstore.IsNotFound(err) {
			return &model.RestoreWatermark{Database: t.Database, Schema: t.Schema, Table: t.Table}, nil
		}
		return nil, fmt.Errorf("load restore watermark %s: %w", t.Key(), err)
	}
	var w model.RestoreWatermark
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("corrupt restore watermark for %s: %w", t.Key(), err)
	}
	return &w, nil
}

// Advance 记录一个批次恢复完成。键不大于当前水位线时只累加计数。
func (s *RestoreWatermarkStore) Advance(ctx context.Context, t model.TableTarget, batchKey string) error {
	w, err := s.Load(ctx, t)
	if err != nil {
		return err
	}
	if batchKey > w.LastKey {
		w.LastKey = batchKey
	}
	w.ArchivesRestored++
	w.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal restore watermark: %w", err)
	}
	if _, err := s.store.Put(ctx, s.keys.RestoreWatermark(t), data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("store restore watermark %s: %w", t.Key(), err)
	}
	return nil
}
