package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
)

// maxMergeRetries 条件写冲突后 read-merge-write 的重试上限
const maxMergeRetries = 5

// ManifestStore 表清单存储。追加走条件写，
// 冲突时重读合并再写，至多重试 maxMergeRetries 次。
type ManifestStore struct {
	store objstore.Store
	keys  objstore.Keys
}

// NewManifestStore 创建表清单存储
func NewManifestStore(store objstore.Store, keys objstore.Keys) *ManifestStore {
	return &ManifestStore{store: store, keys: keys}
}

// Load 读取表清单。不存在返回空清单。
func (s *ManifestStore) Load(ctx context.Context, t model.TableTarget) (*model.TableManifest, string, error) {
	data, info, err := s.store.Get(ctx, s.keys.TableManifest(t))
	if err != nil {
		if objstore.IsNotFound(err) {
			return &model.TableManifest{Database: t.Database, Schema: t.Schema, Table: t.Table}, "", nil
		}
		return nil, "", fmt.Errorf("load manifest %s: %w", t.Key(), err)
	}
	var m model.TableManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", archerrors.ErrInternal.Copy().
			WithMessagef("corrupt table manifest for %s: %v", t.Key(), err)
	}
	return &m, info.ETag, nil
}

// HasFingerprint 指纹是否已提交
func (s *ManifestStore) HasFingerprint(ctx context.Context, t model.TableTarget, fingerprint string) (model.ManifestEntry, bool, error) {
	m, _, err := s.Load(ctx, t)
	if err != nil {
		return model.ManifestEntry{}, false, err
	}
	entry, ok := m.Find(fingerprint)
	return entry, ok, nil
}

// Commit 追加一条已提交批次。并发写入方各自合并重试，最终所有条目保留。
func (s *ManifestStore) Commit(ctx context.Context, t model.TableTarget, entry model.ManifestEntry) error {
	for attempt := 0; attempt < maxMergeRetries; attempt++ {
		m, etag, err := s.Load(ctx, t)
		if err != nil {
			return err
		}
		if !m.Append(entry) {
			// 指纹已在场, 无需重复写入
			return nil
		}
		m.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal manifest: %w", err)
		}
		opts := objstore.PutOptions{ContentType: "application/json"}
		if etag != "" {
			opts.IfMatch = etag
		} else {
			opts.IfNoneMatch = true
		}
		_, err = s.store.Put(ctx, s.keys.TableManifest(t), data, opts)
		if err == nil {
			return nil
		}
		if !objstore.IsPreconditionFailed(err) {
			return fmt.Errorf("store manifest %s: %w", t.Key(), err)
		}
	}
	return archerrors.ErrRetryExhausted.Copy().
		WithMessagef("manifest merge contention on %s", t.Key())
}
