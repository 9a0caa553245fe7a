package compliance

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-archiver/internal/config"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
)

var target = model.TableTarget{
	Database: "trading", Schema: "public", Table: "orders_audit",
	Classification: "financial",
}

type staticHolds struct {
	holds []model.LegalHold
	err   error
}

func (s staticHolds) ActiveHolds(ctx context.Context, t model.TableTarget) ([]model.LegalHold, error) {
	return s.holds, s.err
}

func TestGateAllowsCleanTable(t *testing.T) {
	gate := NewGate(config.ComplianceConfig{}, "", staticHolds{})
	now := time.Now()
	d, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -90), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGateBlocksTableHold(t *testing.T) {
	gate := NewGate(config.ComplianceConfig{}, "", staticHolds{holds: []model.LegalHold{
		{Database: "trading", Schema: "public", Table: "orders_audit", Reason: "litigation"},
	}})
	now := time.Now()
	d, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -90), now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "legal_hold", d.SkipReason)
}

func TestGateCollectsRowPredicates(t *testing.T) {
	gate := NewGate(config.ComplianceConfig{}, "", staticHolds{holds: []model.LegalHold{
		{Database: "trading", Schema: "public", Table: "orders_audit", Predicate: "account_id = 42"},
	}})
	now := time.Now()
	d, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -90), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"account_id = 42"}, d.HoldPredicates)
}

func TestGateIgnoresExpiredHold(t *testing.T) {
	expired := time.Now().Add(-time.Hour)
	gate := NewGate(config.ComplianceConfig{}, "", staticHolds{holds: []model.LegalHold{
		{Database: "trading", Schema: "public", Table: "orders_audit", ExpiresAt: &expired},
	}})
	now := time.Now()
	d, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -90), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGateFailsWhenHoldSourceDown(t *testing.T) {
	gate := NewGate(config.ComplianceConfig{}, "", staticHolds{err: assert.AnError})
	now := time.Now()
	_, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -90), now)
	require.Error(t, err)
	assert.Equal(t, archerrors.ClassTableError, archerrors.ClassOf(err))
}

func TestGateRetentionBounds(t *testing.T) {
	gate := NewGate(config.ComplianceConfig{
		RetentionBounds: map[string]config.RetentionBound{
			"financial": {MinDays: 365, MaxDays: 1825},
		},
	}, "", staticHolds{})
	now := time.Now()

	// 截止 90 天前, 但金融分类至少保留 365 天
	_, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -90), now)
	require.Error(t, err)

	// 400 天前的截止落在区间内
	d, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -400), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// 超过 1825 天的保留越过上限, 表必须中止
	_, err = gate.Check(context.Background(), target, now.AddDate(0, 0, -2000), now)
	require.Error(t, err)
	assert.Equal(t, archerrors.ErrRetentionBounds.Code, archerrors.FromError(err).Code)
}

func TestGateRetentionBoundsNoMax(t *testing.T) {
	gate := NewGate(config.ComplianceConfig{
		RetentionBounds: map[string]config.RetentionBound{
			"financial": {MinDays: 365},
		},
	}, "", staticHolds{})
	now := time.Now()

	// 上限为 0 表示不设上限
	d, err := gate.Check(context.Background(), target, now.AddDate(0, 0, -3000), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGateEncryptionRequirement(t *testing.T) {
	critical := target
	critical.Critical = true
	cfg := config.ComplianceConfig{RequireEncryption: true}
	now := time.Now()

	_, err := NewGate(cfg, "", staticHolds{}).Check(context.Background(), critical, now.AddDate(0, 0, -90), now)
	require.Error(t, err)
	assert.Equal(t, archerrors.ClassFatal, archerrors.ClassOf(err))

	d, err := NewGate(cfg, "aes256", staticHolds{}).Check(context.Background(), critical, now.AddDate(0, 0, -90), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestFileHoldSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "holds.json")
	holds := []model.LegalHold{
		{Database: "trading", Schema: "public", Table: "orders_audit", Reason: "audit"},
		{Database: "other", Schema: "public", Table: "x"},
	}
	data, err := json.Marshal(holds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	src := NewFileHoldSource(path)
	got, err := src.ActiveHolds(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "audit", got[0].Reason)

	// 文件不存在视为无保留
	missing := NewFileHoldSource(filepath.Join(t.TempDir(), "nope.json"))
	got, err = missing.ActiveHolds(context.Background(), target)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDBHoldSource(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.LegalHoldRecord{}))

	now := time.Now().UnixMilli()
	expired := now - 1000
	require.NoError(t, db.Create(&model.LegalHoldRecord{
		Database: "trading", SchemaName: "public", TableName_: "orders_audit",
		Reason: "active hold", PlacedAt: now,
	}).Error)
	require.NoError(t, db.Create(&model.LegalHoldRecord{
		Database: "trading", SchemaName: "public", TableName_: "orders_audit",
		Reason: "expired hold", PlacedAt: now, ExpiresAt: &expired,
	}).Error)

	src := NewDBHoldSource(db)
	got, err := src.ActiveHolds(context.Background(), target)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "active hold", got[0].Reason)
}
