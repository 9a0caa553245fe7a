package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
)

// CheckpointStore 检查点存储。表归档每 N 个批次持久化一次，
// 正常结束后清除；崩溃后下次运行据此跳过已提交批次。
type CheckpointStore struct {
	store objstore.Store
	keys  objstore.Keys
	// Interval 持久化间隔 (批次数)
	Interval int
}

// NewCheckpointStore 创建检查点存储
func NewCheckpointStore(store objstore.Store, keys objstore.Keys, interval int) *CheckpointStore {
	if interval <= 0 {
		interval = 10
	}
	return &CheckpointStore{store: store, keys: keys, Interval: interval}
}

// Load 读取检查点，不存在返回 nil
func (s *CheckpointStore) Load(ctx context.Context, t model.TableTarget) (*model.Checkpoint, error) {
	data, _, err := s.store.Get(ctx, s.keys.Checkpoint(t))
	if err != nil {
		if objstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", t.Key(), err)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// 损坏的检查点只影响恢复速度, 丢弃即可
		return nil, nil
	}
	return &cp, nil
}

// Save 持久化检查点
func (s *CheckpointStore) Save(ctx context.Context, t model.TableTarget, cp *model.Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if _, err := s.store.Put(ctx, s.keys.Checkpoint(t), data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("store checkpoint %s: %w", t.Key(), err)
	}
	return nil
}

// RecordMultipart 把进行中的分片上传状态记入表检查点。
// 分片开始前持久化, 崩溃后清理任务据此中止遗留上传。
func (s *CheckpointStore) RecordMultipart(ctx context.Context, t model.TableTarget, st model.MultipartUploadState) error {
	cp, err := s.Load(ctx, t)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = &model.Checkpoint{Database: t.Database, Schema: t.Schema, Table: t.Table}
	}
	replaced := false
	for i, m := range cp.Multipart {
		if m.Key == st.Key && m.UploadID == st.UploadID {
			cp.Multipart[i] = st
			replaced = true
			break
		}
	}
	if !replaced {
		cp.Multipart = append(cp.Multipart, st)
	}
	return s.Save(ctx, t, cp)
}

// Clear 表归档正常结束后清除检查点
func (s *CheckpointStore) Clear(ctx context.Context, t model.TableTarget) error {
	if err := s.store.Delete(ctx, s.keys.Checkpoint(t)); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", t.Key(), err)
	}
	return nil
}

// Due 第 ordinal 个批次后是否应落检查点
func (s *CheckpointStore) Due(ordinal int) bool {
	return ordinal > 0 && ordinal%s.Interval == 0
}
