package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-archiver/internal/audit"
	"github.com/eidos-exchange/eidos-archiver/internal/codec"
	"github.com/eidos-exchange/eidos-archiver/internal/database"
	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/orchestrator"
	"github.com/eidos-exchange/eidos-archiver/internal/state"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("underlying db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db
}

func testTarget() model.TableTarget {
	return model.TableTarget{
		Database:        "trading",
		Schema:          "main",
		Table:           "orders_audit",
		TimestampColumn: "created_at",
		PrimaryKey:      "id",
		RetentionDays:   1,
	}
}

func TestArchiveRunJob_Execute_EmptyRun(t *testing.T) {
	store := objstore.NewMemoryStore()
	locks := lock.NewFileManager(t.TempDir(), time.Minute, time.Hour)

	job := NewArchiveRunJob(func(runID string) *orchestrator.RunOrchestrator {
		return &orchestrator.RunOrchestrator{
			Locks:   locks,
			Store:   store,
			Keys:    objstore.Keys{Prefix: "archive"},
			Audit:   audit.NopSink{},
			RunID:   runID,
			Version: "test",
		}
	})

	result, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ProcessedCount != 0 {
		t.Errorf("Expected ProcessedCount 0, got %d", result.ProcessedCount)
	}
	if result.Details["exit_code"] != model.ExitOK {
		t.Errorf("Expected exit_code %d, got %v", model.ExitOK, result.Details["exit_code"])
	}
}

func TestArchiveRunJob_Execute_RunLockHeld(t *testing.T) {
	store := objstore.NewMemoryStore()
	locks := lock.NewFileManager(t.TempDir(), time.Minute, time.Hour)

	// 占住运行锁, 模拟并发运行
	held := locks.RunLock()
	acquired, err := held.TryLock(context.Background())
	if err != nil || !acquired {
		t.Fatalf("pre-acquire run lock: acquired=%v err=%v", acquired, err)
	}
	defer held.Unlock(context.Background())

	job := NewArchiveRunJob(func(runID string) *orchestrator.RunOrchestrator {
		return &orchestrator.RunOrchestrator{
			Locks: locks,
			Store: store,
			Keys:  objstore.Keys{Prefix: "archive"},
			Audit: audit.NopSink{},
			RunID: runID,
		}
	})

	_, err = job.Execute(context.Background())
	if err != errRunLockHeld {
		t.Errorf("Expected errRunLockHeld, got %v", err)
	}
}

// sweeperFixture 源库 + 状态库 + 对象存储
type sweeperFixture struct {
	db     *gorm.DB
	staged *state.StagedStore
	store  *objstore.MemoryStore
	target model.TableTarget
	job    *StagedSweeperJob
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	db := newTestDB(t)
	if err := db.Exec(`CREATE TABLE orders_audit (
		id INTEGER PRIMARY KEY,
		created_at DATETIME NOT NULL,
		note TEXT
	)`).Error; err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := db.AutoMigrate(&model.StagedDeletion{}); err != nil {
		t.Fatalf("migrate staged deletions: %v", err)
	}

	target := testTarget()
	adapter := database.NewAdapter(db, time.Minute, time.Minute)
	store := objstore.NewMemoryStore()
	staged := state.NewStagedStore(db)
	job := NewStagedSweeperJob(staged, map[string]*database.Adapter{"trading": adapter}, store,
		[]model.TableTarget{target})
	return &sweeperFixture{db: db, staged: staged, store: store, target: target, job: job}
}

func (f *sweeperFixture) seedRows(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		if err := f.db.Exec(`INSERT INTO orders_audit (id, created_at, note) VALUES (?, ?, ?)`,
			i, time.Now().Add(-48*time.Hour), fmt.Sprintf("row-%d", i)).Error; err != nil {
			t.Fatalf("seed row: %v", err)
		}
	}
}

// stageBatch 登记一个到期批次, 归档对象与删除清单已在场
func (f *sweeperFixture) stageBatch(t *testing.T, fingerprint string, keys []string) model.StagedDeletion {
	t.Helper()
	ctx := context.Background()
	objectKey := "archive/trading/main/orders_audit/" + fingerprint + ".jsonl.gz"
	manifestKey := objectKey + "_manifest.json"

	if _, err := f.store.Put(ctx, objectKey, []byte("archived"), objstore.PutOptions{}); err != nil {
		t.Fatalf("put object: %v", err)
	}
	manifest := model.DeletionManifest{
		Fingerprint:  fingerprint,
		Database:     f.target.Database,
		Schema:       f.target.Schema,
		Table:        f.target.Table,
		PrimaryKeys:  keys,
		KeySetSHA256: model.KeySetHash(keys),
	}
	data, _ := json.Marshal(manifest)
	if _, err := f.store.Put(ctx, manifestKey, data, objstore.PutOptions{}); err != nil {
		t.Fatalf("put manifest: %v", err)
	}

	d := model.StagedDeletion{
		Fingerprint: fingerprint,
		Database:    f.target.Database,
		SchemaName:  f.target.Schema,
		TableName_:  f.target.Table,
		ObjectKey:   objectKey,
		ManifestKey: manifestKey,
		RecordCount: int64(len(keys)),
		Status:      model.StagedPending,
		EligibleAt:  time.Now().Add(-time.Hour).UnixMilli(),
	}
	if err := f.staged.Register(ctx, d); err != nil {
		t.Fatalf("register staged deletion: %v", err)
	}
	return d
}

func TestStagedSweeperJob_Execute_DeletesDueBatch(t *testing.T) {
	f := newSweeperFixture(t)
	f.seedRows(t, 5)
	f.stageBatch(t, "fp-sweep-1", []string{"1", "2", "3"})

	result, err := f.job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ProcessedCount != 1 {
		t.Errorf("Expected ProcessedCount 1, got %d", result.ProcessedCount)
	}
	if result.AffectedCount != 3 {
		t.Errorf("Expected AffectedCount 3, got %d", result.AffectedCount)
	}

	var remaining int64
	f.db.Raw(`SELECT count(*) FROM orders_audit`).Scan(&remaining)
	if remaining != 2 {
		t.Errorf("Expected 2 rows remaining, got %d", remaining)
	}

	// 状态翻转为已删除, 不再到期
	due, err := f.staged.DuePending(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("Expected no due batches after sweep, got %d", len(due))
	}
}

func TestStagedSweeperJob_Execute_MissingObjectRefusesDelete(t *testing.T) {
	f := newSweeperFixture(t)
	f.seedRows(t, 3)
	d := f.stageBatch(t, "fp-sweep-2", []string{"1", "2"})

	// 归档对象丢失时必须拒绝删除源行
	if err := f.store.Delete(context.Background(), d.ObjectKey); err != nil {
		t.Fatalf("delete object: %v", err)
	}

	result, err := f.job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ErrorCount != 1 {
		t.Errorf("Expected ErrorCount 1, got %d", result.ErrorCount)
	}

	var remaining int64
	f.db.Raw(`SELECT count(*) FROM orders_audit`).Scan(&remaining)
	if remaining != 3 {
		t.Errorf("Expected all rows intact, got %d", remaining)
	}
}

func TestStagedSweeperJob_Execute_ManifestMismatchRefusesDelete(t *testing.T) {
	f := newSweeperFixture(t)
	f.seedRows(t, 3)
	d := f.stageBatch(t, "fp-sweep-3", []string{"1", "2"})

	// 清单被篡改: 键集哈希不再匹配
	tampered := model.DeletionManifest{
		Fingerprint:  d.Fingerprint,
		PrimaryKeys:  []string{"1", "2", "3"},
		KeySetSHA256: model.KeySetHash([]string{"1", "2"}),
	}
	data, _ := json.Marshal(tampered)
	if _, err := f.store.Put(context.Background(), d.ManifestKey, data, objstore.PutOptions{}); err != nil {
		t.Fatalf("put tampered manifest: %v", err)
	}

	result, err := f.job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ErrorCount != 1 {
		t.Errorf("Expected ErrorCount 1, got %d", result.ErrorCount)
	}
	var remaining int64
	f.db.Raw(`SELECT count(*) FROM orders_audit`).Scan(&remaining)
	if remaining != 3 {
		t.Errorf("Expected all rows intact, got %d", remaining)
	}
}

func TestStagedSweeperJob_Execute_ToleratesPartialPriorDeletion(t *testing.T) {
	f := newSweeperFixture(t)
	f.seedRows(t, 3)
	f.stageBatch(t, "fp-sweep-4", []string{"1", "2", "3"})

	// 延迟期间行 2 已被其它途径删除
	if err := f.db.Exec(`DELETE FROM orders_audit WHERE id = 2`).Error; err != nil {
		t.Fatalf("pre-delete row: %v", err)
	}

	result, err := f.job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ErrorCount != 0 {
		t.Errorf("Expected no errors, got %d", result.ErrorCount)
	}
	if result.AffectedCount != 2 {
		t.Errorf("Expected AffectedCount 2, got %d", result.AffectedCount)
	}
}

func TestFallbackDrainJob_Execute_DrainsSpool(t *testing.T) {
	ctx := context.Background()
	spool, err := objstore.NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	target := objstore.NewMemoryStore()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("archive/trading/main/orders_audit/batch_%03d.jsonl.gz", i)
		if err := spool.Put(ctx, key, []byte("spooled")); err != nil {
			t.Fatalf("spool put: %v", err)
		}
	}

	job := NewFallbackDrainJob(spool, target)
	result, err := job.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ProcessedCount != 3 {
		t.Errorf("Expected ProcessedCount 3, got %d", result.ProcessedCount)
	}
	if result.AffectedCount != 3 {
		t.Errorf("Expected AffectedCount 3, got %d", result.AffectedCount)
	}

	if _, err := target.Head(ctx, "archive/trading/main/orders_audit/batch_000.jsonl.gz"); err != nil {
		t.Errorf("Expected drained object in target store: %v", err)
	}
}

func TestFallbackDrainJob_Execute_EmptySpool(t *testing.T) {
	spool, err := objstore.NewSpool(t.TempDir())
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	job := NewFallbackDrainJob(spool, objstore.NewMemoryStore())

	result, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ProcessedCount != 0 || result.AffectedCount != 0 {
		t.Errorf("Expected empty result, got processed=%d affected=%d",
			result.ProcessedCount, result.AffectedCount)
	}
}

func TestMultipartCleanupJob_Execute_AbortsStaleUploads(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	if _, err := store.CreateMultipart(ctx, "archive/stale.jsonl.gz", objstore.PutOptions{}); err != nil {
		t.Fatalf("create multipart: %v", err)
	}

	job := NewMultipartCleanupJob(store, "archive/")
	job.staleAfter = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	result, err := job.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.AffectedCount != 1 {
		t.Errorf("Expected AffectedCount 1, got %d", result.AffectedCount)
	}

	uploads, err := store.ListMultipart(ctx, "")
	if err != nil {
		t.Fatalf("ListMultipart: %v", err)
	}
	if len(uploads) != 0 {
		t.Errorf("Expected no uploads after cleanup, got %d", len(uploads))
	}
}

func TestMultipartCleanupJob_Execute_KeepsFreshUploads(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	if _, err := store.CreateMultipart(ctx, "archive/fresh.jsonl.gz", objstore.PutOptions{}); err != nil {
		t.Fatalf("create multipart: %v", err)
	}

	job := NewMultipartCleanupJob(store, "archive/")
	result, err := job.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.AffectedCount != 0 {
		t.Errorf("Expected no aborts for fresh upload, got %d", result.AffectedCount)
	}

	uploads, _ := store.ListMultipart(ctx, "")
	if len(uploads) != 1 {
		t.Errorf("Expected upload kept, got %d", len(uploads))
	}
}

// archiveCommittedBatch 产出一个完整提交的批次: 对象 + 元数据 + 表清单条目
func archiveCommittedBatch(t *testing.T, store objstore.Store, keys objstore.Keys, manifests *state.ManifestStore, target model.TableTarget, ordinal, rows int) model.ManifestEntry {
	t.Helper()
	ctx := context.Background()
	startedAt := time.Now().UTC()
	plan := model.BatchPlan{
		Target:      target,
		Ordinal:     ordinal,
		Fingerprint: fmt.Sprintf("fp-validate-%03d", ordinal),
		StartedAt:   startedAt,
	}

	enc, err := codec.NewEncoder(plan, 6, startedAt)
	if err != nil {
		t.Fatalf("new encoder: %v", err)
	}
	for i := 0; i < rows; i++ {
		row := model.Row{
			Columns: []string{"id", "created_at", "note"},
			Values: map[string]interface{}{
				"id":         int64(ordinal*1000 + i),
				"created_at": startedAt.Add(-48 * time.Hour),
				"note":       fmt.Sprintf("row-%d", i),
			},
		}
		if err := enc.WriteRow(row); err != nil {
			t.Fatalf("write row: %v", err)
		}
	}
	res, err := enc.Close()
	if err != nil {
		t.Fatalf("close encoder: %v", err)
	}

	key := keys.Batch(target, startedAt, ordinal)
	if _, err := store.Put(ctx, key, res.Compressed, objstore.PutOptions{}); err != nil {
		t.Fatalf("put batch object: %v", err)
	}
	meta := model.MetadataRecord{
		Database:           target.Database,
		Schema:             target.Schema,
		Table:              target.Table,
		BatchOrdinal:       ordinal,
		Fingerprint:        plan.Fingerprint,
		RecordCount:        res.RecordCount,
		UncompressedBytes:  res.UncompressedBytes,
		CompressedBytes:    res.CompressedBytes,
		UncompressedSHA256: res.UncompressedSHA256,
		Compression:        "gzip",
	}
	metaData, _ := json.Marshal(meta)
	if _, err := store.Put(ctx, keys.BatchMetadata(key), metaData, objstore.PutOptions{}); err != nil {
		t.Fatalf("put metadata: %v", err)
	}

	entry := model.ManifestEntry{
		Fingerprint: plan.Fingerprint,
		Key:         key,
		Ordinal:     ordinal,
		RecordCount: res.RecordCount,
		CommittedAt: startedAt,
	}
	if err := manifests.Commit(ctx, target, entry); err != nil {
		t.Fatalf("commit manifest entry: %v", err)
	}
	return entry
}

func TestArchiveValidationJob_Execute_HealthyArchive(t *testing.T) {
	store := objstore.NewMemoryStore()
	keys := objstore.Keys{Prefix: "archive"}
	manifests := state.NewManifestStore(store, keys)
	target := testTarget()

	archiveCommittedBatch(t, store, keys, manifests, target, 1, 5)
	archiveCommittedBatch(t, store, keys, manifests, target, 2, 7)

	job := NewArchiveValidationJob(store, keys, manifests, []model.TableTarget{target})
	result, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ProcessedCount != 2 {
		t.Errorf("Expected ProcessedCount 2, got %d", result.ProcessedCount)
	}
	if result.AffectedCount != 2 {
		t.Errorf("Expected AffectedCount 2, got %d", result.AffectedCount)
	}
	if result.ErrorCount != 0 {
		t.Errorf("Expected ErrorCount 0, got %d", result.ErrorCount)
	}
}

func TestArchiveValidationJob_Execute_DetectsTamperedObject(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	keys := objstore.Keys{Prefix: "archive"}
	manifests := state.NewManifestStore(store, keys)
	target := testTarget()

	entry := archiveCommittedBatch(t, store, keys, manifests, target, 1, 5)

	// 对象被截断: 大小与校验和都不再匹配
	data, _, err := store.Get(ctx, entry.Key)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if _, err := store.Put(ctx, entry.Key, data[:len(data)/2], objstore.PutOptions{}); err != nil {
		t.Fatalf("truncate object: %v", err)
	}

	job := NewArchiveValidationJob(store, keys, manifests, []model.TableTarget{target})
	result, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ErrorCount != 1 {
		t.Errorf("Expected ErrorCount 1, got %d", result.ErrorCount)
	}
	if result.AffectedCount != 0 {
		t.Errorf("Expected AffectedCount 0, got %d", result.AffectedCount)
	}
}

func TestArchiveValidationJob_Execute_DetectsMissingMetadata(t *testing.T) {
	ctx := context.Background()
	store := objstore.NewMemoryStore()
	keys := objstore.Keys{Prefix: "archive"}
	manifests := state.NewManifestStore(store, keys)
	target := testTarget()

	entry := archiveCommittedBatch(t, store, keys, manifests, target, 1, 3)
	if err := store.Delete(ctx, keys.BatchMetadata(entry.Key)); err != nil {
		t.Fatalf("delete metadata: %v", err)
	}

	job := NewArchiveValidationJob(store, keys, manifests, []model.TableTarget{target})
	result, err := job.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ErrorCount != 1 {
		t.Errorf("Expected ErrorCount 1, got %d", result.ErrorCount)
	}
}
