package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-archiver/internal/audit"
	"github.com/eidos-exchange/eidos-archiver/internal/compliance"
	"github.com/eidos-exchange/eidos-archiver/internal/config"
	"github.com/eidos-exchange/eidos-archiver/internal/database"
	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/pipeline"
	"github.com/eidos-exchange/eidos-archiver/internal/state"
	"github.com/eidos-exchange/eidos-archiver/internal/verify"
	"github.com/eidos-exchange/eidos-archiver/pkg/adaptive"
	"github.com/eidos-exchange/eidos-archiver/pkg/retry"
)

type orchFixture struct {
	db     *gorm.DB
	store  *objstore.MemoryStore
	locks  *lock.FileManager
	orch   *TableOrchestrator
	target model.TableTarget
}

func newOrchFixture(t *testing.T) *orchFixture {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE orders_audit (
		id INTEGER PRIMARY KEY,
		created_at DATETIME NOT NULL,
		note TEXT
	)`).Error)

	adapter := database.NewAdapter(db, time.Minute, time.Minute)
	store := objstore.NewMemoryStore()
	keys := objstore.Keys{Prefix: "archive"}
	locks := lock.NewFileManager(t.TempDir(), time.Minute, time.Hour)

	exec := &pipeline.Executor{
		Adapter:          adapter,
		Uploader:         objstore.NewUploader(store, 10<<20, 5<<20, retry.Policy{MaxAttempts: 1}),
		Store:            store,
		Verifier:         verify.NewVerifier(store),
		Manifests:        state.NewManifestStore(store, keys),
		Watermarks:       state.NewWatermarkStore(store, keys, nil),
		Audit:            audit.NopSink{},
		Keys:             keys,
		CompressionLevel: 6,
		SampleMax:        100,
		DeletionMode:     pipeline.DeleteImmediate,
		ArchiverVersion:  "test",
		RunID:            "run-orch",
	}

	orch := &TableOrchestrator{
		Adapter:     adapter,
		Executor:    exec,
		Gate:        compliance.NewGate(config.ComplianceConfig{}, "", nil),
		Checkpoints: state.NewCheckpointStore(store, keys, 2),
		Locks:       locks,
		Sizer:       adaptive.NewSizer(adaptive.Config{InitialSize: 4, MinSize: 2, MaxSize: 8}),
		Retry:       retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		RunID:       "run-orch",
	}

	target := model.TableTarget{
		Database: "trading", Schema: "main", Table: "orders_audit",
		TimestampColumn: "created_at", PrimaryKey: "id",
		RetentionDays: 1,
	}
	return &orchFixture{db: db, store: store, locks: locks, orch: orch, target: target}
}

// seed 写入 old 条过期行与 fresh 条保留期内的行
func (f *orchFixture) seed(t *testing.T, old, fresh int) {
	base := time.Now().UTC().Add(-48 * time.Hour)
	for i := 1; i <= old; i++ {
		require.NoError(t, f.db.Exec(
			"INSERT INTO orders_audit (id, created_at, note) VALUES (?, ?, ?)",
			i, base.Add(time.Duration(i)*time.Second), fmt.Sprintf("old-%d", i),
		).Error)
	}
	now := time.Now().UTC()
	for i := 1; i <= fresh; i++ {
		require.NoError(t, f.db.Exec(
			"INSERT INTO orders_audit (id, created_at, note) VALUES (?, ?, ?)",
			1000+i, now, fmt.Sprintf("fresh-%d", i),
		).Error)
	}
}

func (f *orchFixture) rowCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, f.db.Raw("SELECT count(*) FROM orders_audit").Scan(&n).Error)
	return n
}

func TestArchiveTableDrainsSource(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, 10, 2)

	res := f.orch.ArchiveTable(context.Background(), f.target)
	assert.Equal(t, model.TableDrained, res.Outcome)
	assert.Equal(t, int64(10), res.RowsArchived)
	assert.Equal(t, 3, res.Batches, "10 rows at size 4 take 3 batches")
	assert.Equal(t, int64(2), f.rowCount(t), "rows inside retention stay")

	// 正常结束后检查点不在场
	cp, err := f.orch.Checkpoints.Load(context.Background(), f.target)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestArchiveTableBatchLimit(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, 10, 0)

	target := f.target
	target.MaxBatchesPerRun = 1
	res := f.orch.ArchiveTable(context.Background(), target)
	assert.Equal(t, model.TableSuccess, res.Outcome)
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, int64(4), res.RowsArchived)
	assert.Equal(t, int64(6), f.rowCount(t))
}

func TestArchiveTableSkipsWhenLocked(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, 4, 0)

	held := f.locks.TableLock(f.target.Key())
	ok, err := held.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock(context.Background())

	res := f.orch.ArchiveTable(context.Background(), f.target)
	assert.Equal(t, model.TableSkipped, res.Outcome)
	assert.Equal(t, "table_locked", res.SkipReason)
	assert.Equal(t, int64(4), f.rowCount(t))
}

type wholeTableHold struct{}

func (wholeTableHold) ActiveHolds(ctx context.Context, t model.TableTarget) ([]model.LegalHold, error) {
	return []model.LegalHold{{
		Database: t.Database, Schema: t.Schema, Table: t.Table,
		Reason: "litigation",
	}}, nil
}

type memSink struct {
	events []model.AuditEvent
}

func (m *memSink) Record(_ context.Context, e model.AuditEvent) {
	m.events = append(m.events, e)
}

func TestArchiveTableLegalHoldSkip(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, 4, 0)
	f.orch.Gate = compliance.NewGate(config.ComplianceConfig{}, "", wholeTableHold{})
	sink := &memSink{}
	f.orch.Executor.Audit = sink

	res := f.orch.ArchiveTable(context.Background(), f.target)
	assert.Equal(t, model.TableSkipped, res.Outcome)
	assert.Equal(t, "legal_hold", res.SkipReason)
	assert.Equal(t, int64(4), f.rowCount(t), "held table untouched")

	// 跳过留痕, 事件携带保留事由
	var holdEvents []model.AuditEvent
	for _, e := range sink.events {
		if e.Kind == model.AuditSkipLegalHold {
			holdEvents = append(holdEvents, e)
		}
	}
	require.Len(t, holdEvents, 1)
	assert.Equal(t, "orders_audit", holdEvents[0].Table)
	assert.Equal(t, "litigation", holdEvents[0].Message)
	assert.Equal(t, "run-orch", holdEvents[0].RunID)
}

func TestArchiveTableMissingTableFails(t *testing.T) {
	f := newOrchFixture(t)

	target := f.target
	target.Table = "nonexistent"
	res := f.orch.ArchiveTable(context.Background(), target)
	assert.Equal(t, model.TableFailed, res.Outcome)
	assert.NotEmpty(t, res.ErrorCode)
}

func TestRunOrchestratorFullRun(t *testing.T) {
	f := newOrchFixture(t)
	f.seed(t, 6, 0)
	require.NoError(t, f.db.AutoMigrate(&model.RunExecution{}))

	run := &RunOrchestrator{
		Runners:     map[string]TableRunner{"trading": f.orch},
		Tables:      []model.TableTarget{f.target},
		Locks:       f.locks,
		Store:       f.store,
		Keys:        objstore.Keys{Prefix: "archive"},
		Audit:       audit.NopSink{},
		StateDB:     f.db,
		MaxParallel: 2,
		RunID:       "run-orch",
		Version:     "test",
	}

	summary := run.Run(context.Background())
	assert.Equal(t, model.ExitOK, summary.ExitCode)
	assert.Equal(t, int64(6), summary.TotalRows())
	require.Len(t, summary.Tables, 1)
	assert.Equal(t, model.TableDrained, summary.Tables[0].Outcome)

	// 运行汇总已写入审计前缀
	objs, err := f.store.List(context.Background(), "archive/audit/")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Contains(t, objs[0].Key, "run_summary_run-orch.json")

	// 状态库留有执行记录
	var exec model.RunExecution
	require.NoError(t, f.db.Where("run_id = ?", "run-orch").First(&exec).Error)
	assert.Equal(t, model.RunStatusSuccess, exec.Status)
	require.NotNil(t, exec.ExitCode)
	assert.Equal(t, model.ExitOK, *exec.ExitCode)
}

func TestRunOrchestratorLockContention(t *testing.T) {
	f := newOrchFixture(t)

	held := f.locks.RunLock()
	ok, err := held.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer held.Unlock(context.Background())

	run := &RunOrchestrator{
		Runners: map[string]TableRunner{"trading": f.orch},
		Tables:  []model.TableTarget{f.target},
		Locks:   f.locks,
		Store:   f.store,
		Keys:    objstore.Keys{Prefix: "archive"},
		Audit:   audit.NopSink{},
		RunID:   "run-2",
	}
	summary := run.Run(context.Background())
	assert.Equal(t, model.ExitLockNotAcquired, summary.ExitCode)
	assert.Empty(t, summary.Tables)
}

func TestRunOrchestratorUnknownDatabase(t *testing.T) {
	f := newOrchFixture(t)

	run := &RunOrchestrator{
		Runners: map[string]TableRunner{},
		Tables:  []model.TableTarget{f.target},
		Locks:   f.locks,
		Store:   f.store,
		Keys:    objstore.Keys{Prefix: "archive"},
		Audit:   audit.NopSink{},
		RunID:   "run-3",
	}
	summary := run.Run(context.Background())
	assert.Equal(t, model.ExitPartialFailure, summary.ExitCode)
	require.Len(t, summary.Tables, 1)
	assert.Equal(t, model.TableFailed, summary.Tables[0].Outcome)
}
