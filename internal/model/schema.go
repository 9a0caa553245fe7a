package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// ColumnInfo 列定义
type ColumnInfo struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// IndexInfo 索引定义
type IndexInfo struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// TableSchema 表结构快照
type TableSchema struct {
	Columns       []ColumnInfo `json:"columns"`
	PrimaryKey    string       `json:"primary_key"`
	Indexes       []IndexInfo  `json:"indexes"`
	ServerVersion string       `json:"server_version"`
}

// Column 按列名查找
func (s *TableSchema) Column(name string) (ColumnInfo, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// ColumnNames 所有列名
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		names = append(names, c.Name)
	}
	return names
}

// Hash 规范化模式哈希，用于漂移检测。
// 列按名称排序后拼接 name:type:nullable，与列在表中的物理顺序无关。
func (s *TableSchema) Hash() string {
	parts := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		parts = append(parts, fmt.Sprintf("%s:%s:%t", c.Name, strings.ToLower(c.DataType), c.Nullable))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// IsTimestampTZ 判断列类型是否带时区
func IsTimestampTZ(dataType string) bool {
	t := strings.ToLower(dataType)
	return t == "timestamp with time zone" || t == "timestamptz"
}

// IsTimestampNaive 判断列类型是否为无时区时间戳
func IsTimestampNaive(dataType string) bool {
	t := strings.ToLower(dataType)
	return t == "timestamp without time zone" || t == "timestamp"
}
