package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
)

// Adapter 单个源数据库的访问适配器
type Adapter struct {
	db               *gorm.DB
	statementTimeout time.Duration
	maxClockSkew     time.Duration
}

// NewAdapter 创建适配器
func NewAdapter(db *gorm.DB, statementTimeout, maxClockSkew time.Duration) *Adapter {
	return &Adapter{db: db, statementTimeout: statementTimeout, maxClockSkew: maxClockSkew}
}

// DB 底层连接 (状态仓储共用)
func (a *Adapter) DB() *gorm.DB {
	return a.db
}

func (a *Adapter) isPostgres() bool {
	return a.db.Dialector.Name() == "postgres"
}

// Ping 健康检查
func (a *Adapter) Ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return archerrors.Wrap(archerrors.ErrSourceUnreachable, err)
	}
	return nil
}

// ServerNow 数据库服务器时间。截止时间必须以服务器时钟为准。
// 非 postgres 后端是同机库, 直接使用本地时钟。
func (a *Adapter) ServerNow(ctx context.Context) (time.Time, error) {
	if !a.isPostgres() {
		return time.Now().UTC(), nil
	}
	var now time.Time
	if err := a.db.WithContext(ctx).Raw("SELECT now()").Scan(&now).Error; err != nil {
		return time.Time{}, fmt.Errorf("query server time: %w", err)
	}
	return now.UTC(), nil
}

// CheckClockSkew 应用时钟与服务器时钟偏差超限时拒绝归档
func (a *Adapter) CheckClockSkew(ctx context.Context) error {
	serverNow, err := a.ServerNow(ctx)
	if err != nil {
		return err
	}
	skew := time.Since(serverNow)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxClockSkew {
		return archerrors.ErrClockSkew.WithContext(map[string]string{
			"skew":  skew.String(),
			"limit": a.maxClockSkew.String(),
		})
	}
	return nil
}

// CountEligible 统计截止时间前的可归档行数 (校验用快照计数)
func (a *Adapter) CountEligible(ctx context.Context, t model.TableTarget, cutoff time.Time, lo model.Cursor) (int64, error) {
	var count int64
	q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %q < ?", t.Qualified(), t.TimestampColumn)
	args := []interface{}{cutoff}
	if !lo.Zero() {
		q += fmt.Sprintf(" AND (%q > ? OR (%q = ? AND %q > ?))",
			t.TimestampColumn, t.TimestampColumn, t.PrimaryKey)
		args = append(args, lo.Ts, lo.Ts, lo.PK)
	}
	if err := a.db.WithContext(ctx).Raw(q, args...).Scan(&count).Error; err != nil {
		return 0, fmt.Errorf("count eligible rows: %w", err)
	}
	return count, nil
}

// BatchTx 一个批次的源库事务。删除前必须建立保存点，
// 校验失败回滚到保存点，源行保持原状。
type BatchTx struct {
	tx      *gorm.DB
	adapter *Adapter
	done    bool
}

// Begin 开启批次事务并设置语句超时
func (a *Adapter) Begin(ctx context.Context) (*BatchTx, error) {
	tx := a.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, classifyDBError(tx.Error, "begin batch transaction")
	}
	if a.isPostgres() && a.statementTimeout > 0 {
		millis := a.statementTimeout.Milliseconds()
		if err := tx.Exec(fmt.Sprintf("SET LOCAL statement_timeout = %d", millis)).Error; err != nil {
			tx.Rollback()
			return nil, classifyDBError(err, "set statement timeout")
		}
	}
	return &BatchTx{tx: tx, adapter: a}, nil
}

// FetchBatch 锁定抓取一个批次。排序 (ts, pk) 与水位线游标一致，
// SKIP LOCKED 避免与在线写入互相阻塞。
// exclude 中的谓词命中的行不抓取 (行级法律保留)。
func (b *BatchTx) FetchBatch(t model.TableTarget, cutoff time.Time, lo model.Cursor, limit int, exclude []string) ([]model.Row, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s WHERE %q < ?", t.Qualified(), t.TimestampColumn)
	args := []interface{}{cutoff}
	if !lo.Zero() {
		fmt.Fprintf(&sb, " AND (%q > ? OR (%q = ? AND %q > ?))",
			t.TimestampColumn, t.TimestampColumn, t.PrimaryKey)
		args = append(args, lo.Ts, lo.Ts, lo.PK)
	}
	for _, pred := range exclude {
		fmt.Fprintf(&sb, " AND NOT (%s)", pred)
	}
	fmt.Fprintf(&sb, " ORDER BY %q, %q LIMIT ?", t.TimestampColumn, t.PrimaryKey)
	args = append(args, limit)
	if b.adapter.isPostgres() {
		sb.WriteString(" FOR UPDATE SKIP LOCKED")
	}

	rows, err := b.tx.Raw(sb.String(), args...).Rows()
	if err != nil {
		return nil, classifyDBError(err, "fetch batch")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("batch columns: %w", err)
	}

	var out []model.Row
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		rec := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			rec[col] = values[i]
		}
		out = append(out, model.Row{Columns: columns, Values: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, classifyDBError(err, "iterate batch")
	}
	return out, nil
}

// Savepoint 删除前的保存点
func (b *BatchTx) Savepoint(name string) error {
	if err := b.tx.SavePoint(name).Error; err != nil {
		return classifyDBError(err, "savepoint")
	}
	return nil
}

// RollbackTo 回滚到保存点，源行保持锁定且未删除
func (b *BatchTx) RollbackTo(name string) error {
	if err := b.tx.RollbackTo(name).Error; err != nil {
		return classifyDBError(err, "rollback to savepoint")
	}
	return nil
}

// DeleteByPK 按主键集合删除并返回受影响行数
func (b *BatchTx) DeleteByPK(t model.TableTarget, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := fmt.Sprintf("DELETE FROM %s WHERE %q IN ?", t.Qualified(), t.PrimaryKey)
	res := b.tx.Exec(q, args)
	if res.Error != nil {
		return 0, classifyDBError(res.Error, "delete batch")
	}
	return res.RowsAffected, nil
}

// DeleteStatement 参数化删除语句文本 (清单摘要使用)
func DeleteStatement(t model.TableTarget) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %q IN (?)", t.Qualified(), t.PrimaryKey)
}

// CountByPK 统计主键集合中仍存在的行数 (残留校验)
func (b *BatchTx) CountByPK(t model.TableTarget, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	var count int64
	q := fmt.Sprintf("SELECT count(*) FROM %s WHERE %q IN ?", t.Qualified(), t.PrimaryKey)
	if err := b.tx.Raw(q, args).Scan(&count).Error; err != nil {
		return 0, classifyDBError(err, "count residual rows")
	}
	return count, nil
}

// Commit 提交批次事务
func (b *BatchTx) Commit() error {
	b.done = true
	if err := b.tx.Commit().Error; err != nil {
		return classifyDBError(err, "commit batch")
	}
	return nil
}

// Rollback 回滚批次事务，已提交则为空操作
func (b *BatchTx) Rollback() {
	if b.done {
		return
	}
	b.done = true
	b.tx.Rollback()
}

// SampleExists 返回主键集合中仍存在于源表的键 (提交后抽样复核)
func (a *Adapter) SampleExists(ctx context.Context, t model.TableTarget, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := fmt.Sprintf("SELECT %q FROM %s WHERE %q IN ?", t.PrimaryKey, t.Qualified(), t.PrimaryKey)
	rows, err := a.db.WithContext(ctx).Raw(q, args).Rows()
	if err != nil {
		return nil, classifyDBError(err, "sample existence check")
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		found = append(found, model.PKString(v))
	}
	return found, rows.Err()
}

// Vacuum 归档后空间回收。VACUUM 不能在事务内执行。
func (a *Adapter) Vacuum(ctx context.Context, t model.TableTarget) error {
	if !a.isPostgres() {
		return nil
	}
	var stmt string
	switch t.VacuumStrategy {
	case model.VacuumAnalyze:
		stmt = fmt.Sprintf("ANALYZE %s", t.Qualified())
	case model.VacuumStandard:
		stmt = fmt.Sprintf("VACUUM ANALYZE %s", t.Qualified())
	case model.VacuumFull:
		stmt = fmt.Sprintf("VACUUM FULL %s", t.Qualified())
	default:
		return nil
	}
	if err := a.db.WithContext(ctx).Exec(stmt).Error; err != nil {
		return fmt.Errorf("vacuum %s: %w", t.Key(), err)
	}
	return nil
}

// classifyDBError 将数据库错误归类: 死锁与序列化冲突可重试
func classifyDBError(err error, op string) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "could not serialize"),
		strings.Contains(msg, "lock timeout"),
		strings.Contains(msg, "statement timeout"),
		strings.Contains(msg, "canceling statement"):
		return archerrors.ErrDeadlock.Copy().WithMessagef("%s: %v", op, err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"):
		return archerrors.ErrNetworkTimeout.Copy().WithMessagef("%s: %v", op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
