package objstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
	"github.com/eidos-exchange/eidos-archiver/pkg/retry"
)

// Uploader 按大小阈值选择整体或分片上传。
// 分片上传的状态在每片开始前与完成后通过 StateSink 持久化，崩溃后可清理或续传。
type Uploader struct {
	store     MultipartStore
	threshold int64
	partSize  int64
	retry     retry.Policy

	// StateSink 分片状态持久化回调，nil 不持久化
	StateSink func(ctx context.Context, state model.MultipartUploadState) error
}

// NewUploader 创建上传器
func NewUploader(store MultipartStore, threshold, partSize int64, policy retry.Policy) *Uploader {
	return &Uploader{
		store:     store,
		threshold: threshold,
		partSize:  partSize,
		retry:     policy,
	}
}

// Upload 上传对象。超过阈值走分片，每个分片独立重试。
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error) {
	if int64(len(data)) <= u.threshold {
		var res *PutResult
		err := retry.Do(ctx, u.retry, func() error {
			var err error
			res, err = u.store.Put(ctx, key, data, opts)
			return err
		})
		return res, err
	}
	return u.uploadMultipart(ctx, key, data, opts)
}

func (u *Uploader) uploadMultipart(ctx context.Context, key string, data []byte, opts PutOptions) (*PutResult, error) {
	var uploadID string
	err := retry.Do(ctx, u.retry, func() error {
		var err error
		uploadID, err = u.store.CreateMultipart(ctx, key, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}

	state := model.MultipartUploadState{Key: key, UploadID: uploadID}
	u.persistState(ctx, state)

	var parts []CompletedPart
	total := int64(len(data))
	for offset, number := int64(0), 1; offset < total; offset, number = offset+u.partSize, number+1 {
		end := offset + u.partSize
		if end > total {
			end = total
		}
		chunk := data[offset:end]

		// 分片开始前先记录意图, 崩溃后清理任务能找到遗留的上传
		state.Parts = append(state.Parts, model.PartState{Number: number, Size: int64(len(chunk))})
		u.persistState(ctx, state)

		var etag string
		err := retry.Do(ctx, u.retry, func() error {
			var err error
			etag, err = u.store.UploadPart(ctx, key, uploadID, number, chunk)
			return err
		})
		if err != nil {
			u.abort(ctx, key, uploadID)
			return nil, fmt.Errorf("upload part %d: %w", number, err)
		}
		parts = append(parts, CompletedPart{Number: number, ETag: etag})
		state.Parts[len(state.Parts)-1].ETag = etag
		u.persistState(ctx, state)
	}

	var res *PutResult
	err = retry.Do(ctx, u.retry, func() error {
		var err error
		res, err = u.store.CompleteMultipart(ctx, key, uploadID, parts)
		return err
	})
	if err != nil {
		u.abort(ctx, key, uploadID)
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}
	logger.Debug("multipart upload completed",
		zap.String("key", key), zap.Int("parts", len(parts)), zap.Int64("bytes", total))
	return res, nil
}

func (u *Uploader) persistState(ctx context.Context, state model.MultipartUploadState) {
	if u.StateSink == nil {
		return
	}
	// 回调拿到的是快照, 后续分片追加不影响已持久化的状态
	state.Parts = append([]model.PartState(nil), state.Parts...)
	if err := u.StateSink(ctx, state); err != nil {
		logger.Warn("persist multipart state failed",
			zap.String("key", state.Key), zap.Error(err))
	}
}

func (u *Uploader) abort(ctx context.Context, key, uploadID string) {
	if err := u.store.AbortMultipart(ctx, key, uploadID); err != nil {
		logger.Warn("abort multipart upload failed",
			zap.String("key", key), zap.String("upload_id", uploadID), zap.Error(err))
	}
}
