package state

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
)

// StagedStore 分级删除登记表。归档校验通过后登记批次,
// 延迟期满由清除任务再次核验对象在场后才执行删除。
type StagedStore struct {
	db *gorm.DB
}

// NewStagedStore 创建分级删除存储
func NewStagedStore(db *gorm.DB) *StagedStore {
	return &StagedStore{db: db}
}

// Register 登记一个已归档待删除的批次。同指纹重复登记幂等。
func (s *StagedStore) Register(ctx context.Context, d model.StagedDeletion) error {
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().UnixMilli()
	}
	if d.Status == "" {
		d.Status = model.StagedPending
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoNothing: true,
		}).
		Create(&d).Error
	if err != nil {
		return fmt.Errorf("register staged deletion %s: %w", d.Fingerprint, err)
	}
	return nil
}

// DuePending 返回延迟期已满的待删除批次
func (s *StagedStore) DuePending(ctx context.Context, now time.Time, limit int) ([]model.StagedDeletion, error) {
	var due []model.StagedDeletion
	err := s.db.WithContext(ctx).
		Where("status = ? AND eligible_at <= ?", model.StagedPending, now.UnixMilli()).
		Order("eligible_at ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("query due staged deletions: %w", err)
	}
	return due, nil
}

// MarkDeleted 批次源行已删除
func (s *StagedStore) MarkDeleted(ctx context.Context, id int64) error {
	now := time.Now().UnixMilli()
	err := s.db.WithContext(ctx).
		Model(&model.StagedDeletion{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.StagedDeleted, "deleted_at": now}).Error
	if err != nil {
		return fmt.Errorf("mark staged deletion %d deleted: %w", id, err)
	}
	return nil
}

// MarkFailed 删除失败, 留待人工或下轮处理
func (s *StagedStore) MarkFailed(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).
		Model(&model.StagedDeletion{}).
		Where("id = ?", id).
		Update("status", model.StagedFailed).Error
	if err != nil {
		return fmt.Errorf("mark staged deletion %d failed: %w", id, err)
	}
	return nil
}

// Requeue 失败的批次重新入队
func (s *StagedStore) Requeue(ctx context.Context, id int64) error {
	err := s.db.WithContext(ctx).
		Model(&model.StagedDeletion{}).
		Where("id = ? AND status = ?", id, model.StagedFailed).
		Update("status", model.StagedPending).Error
	if err != nil {
		return fmt.Errorf("requeue staged deletion %d: %w", id, err)
	}
	return nil
}
