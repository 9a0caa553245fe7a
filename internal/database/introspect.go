package database

import (
	"context"
	"fmt"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/archerrors"
)

// Introspect 读取表结构快照。表或必需列缺失返回表级错误。
func (a *Adapter) Introspect(ctx context.Context, t model.TableTarget) (*model.TableSchema, error) {
	if !a.isPostgres() {
		return a.introspectPragma(ctx, t)
	}
	schema := &model.TableSchema{}

	type columnRow struct {
		ColumnName string
		DataType   string
		IsNullable string
	}
	var cols []columnRow
	err := a.db.WithContext(ctx).Raw(`
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, t.Schema, t.Table).Scan(&cols).Error
	if err != nil {
		return nil, classifyDBError(err, "introspect columns")
	}
	if len(cols) == 0 {
		return nil, archerrors.ErrTableNotFound.WithDetail("table", t.Key())
	}
	for _, c := range cols {
		schema.Columns = append(schema.Columns, model.ColumnInfo{
			Name:     c.ColumnName,
			DataType: c.DataType,
			Nullable: c.IsNullable == "YES",
		})
	}

	var pk string
	err = a.db.WithContext(ctx).Raw(`
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = format('%I.%I', ?::text, ?::text)::regclass AND i.indisprimary`,
		t.Schema, t.Table).Scan(&pk).Error
	if err != nil {
		return nil, classifyDBError(err, "introspect primary key")
	}
	schema.PrimaryKey = pk

	type indexRow struct {
		Indexname string
		Indexdef  string
	}
	var idx []indexRow
	err = a.db.WithContext(ctx).Raw(`
		SELECT indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = ? AND tablename = ?
		ORDER BY indexname`, t.Schema, t.Table).Scan(&idx).Error
	if err != nil {
		return nil, classifyDBError(err, "introspect indexes")
	}
	for _, i := range idx {
		schema.Indexes = append(schema.Indexes, model.IndexInfo{Name: i.Indexname, Definition: i.Indexdef})
	}

	if err := a.db.WithContext(ctx).Raw("SELECT version()").Scan(&schema.ServerVersion).Error; err != nil {
		return nil, classifyDBError(err, "introspect server version")
	}
	return schema, nil
}

// introspectPragma sqlite 后端的结构快照 (测试与本地运行)
func (a *Adapter) introspectPragma(ctx context.Context, t model.TableTarget) (*model.TableSchema, error) {
	type pragmaRow struct {
		Name    string
		Type    string
		Notnull int
		Pk      int
	}
	var cols []pragmaRow
	err := a.db.WithContext(ctx).Raw(
		fmt.Sprintf("PRAGMA table_info(%q)", t.Table)).Scan(&cols).Error
	if err != nil {
		return nil, classifyDBError(err, "introspect columns")
	}
	if len(cols) == 0 {
		return nil, archerrors.ErrTableNotFound.WithDetail("table", t.Key())
	}
	schema := &model.TableSchema{}
	for _, c := range cols {
		schema.Columns = append(schema.Columns, model.ColumnInfo{
			Name:     c.Name,
			DataType: c.Type,
			Nullable: c.Notnull == 0,
		})
		if c.Pk == 1 {
			schema.PrimaryKey = c.Name
		}
	}
	return schema, nil
}

// ValidateTarget 校验目标表结构满足归档前提:
// 时间戳列与单列主键必须存在，主键与配置一致。
func ValidateTarget(t model.TableTarget, schema *model.TableSchema) error {
	if _, ok := schema.Column(t.TimestampColumn); !ok {
		return archerrors.ErrSchemaIncompatible.Copy().
			WithMessagef("timestamp column %q missing on %s", t.TimestampColumn, t.Key())
	}
	if _, ok := schema.Column(t.PrimaryKey); !ok {
		return archerrors.ErrSchemaIncompatible.Copy().
			WithMessagef("primary key column %q missing on %s", t.PrimaryKey, t.Key())
	}
	if schema.PrimaryKey != "" && schema.PrimaryKey != t.PrimaryKey {
		return archerrors.ErrSchemaIncompatible.Copy().
			WithMessagef("declared primary key %q does not match catalog %q on %s",
				t.PrimaryKey, schema.PrimaryKey, t.Key())
	}
	return nil
}

// DriftCheck 模式漂移检测。漂移是警告: 归档继续，元数据记录新结构。
func DriftCheck(t model.TableTarget, schema *model.TableSchema) (string, error) {
	current := schema.Hash()
	if t.SchemaHash != "" && t.SchemaHash != current {
		return current, archerrors.ErrSchemaDrift.WithContext(map[string]string{
			"table":    t.Key(),
			"previous": t.SchemaHash,
			"current":  current,
		})
	}
	return current, nil
}

// RowCursor 提取行的游标 (时间戳列 + 主键列)
func RowCursor(t model.TableTarget, row model.Row) (model.Cursor, error) {
	tsVal, ok := row.Values[t.TimestampColumn]
	if !ok {
		return model.Cursor{}, fmt.Errorf("row missing timestamp column %q", t.TimestampColumn)
	}
	ts, err := model.ParseTimestamp(tsVal)
	if err != nil {
		return model.Cursor{}, fmt.Errorf("row timestamp: %w", err)
	}
	pkVal, ok := row.Values[t.PrimaryKey]
	if !ok {
		return model.Cursor{}, fmt.Errorf("row missing primary key column %q", t.PrimaryKey)
	}
	return model.Cursor{Ts: ts, PK: model.PKString(pkVal)}, nil
}
