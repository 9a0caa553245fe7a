package model

import (
	"fmt"
	"strconv"
	"time"
)

// Cursor 按 (timestamp, primary key) 的字典序游标。
// 主键规范化为字符串存储；比较时整型主键按数值比较，其余按字符串比较。
type Cursor struct {
	Ts time.Time `json:"ts"`
	PK string    `json:"pk"`
}

// Zero 是否为零游标 (首次运行)
func (c Cursor) Zero() bool {
	return c.Ts.IsZero() && c.PK == ""
}

// Compare 字典序比较: -1 / 0 / 1
func (c Cursor) Compare(other Cursor) int {
	if c.Ts.Before(other.Ts) {
		return -1
	}
	if c.Ts.After(other.Ts) {
		return 1
	}
	return comparePK(c.PK, other.PK)
}

// Less 严格小于
func (c Cursor) Less(other Cursor) bool {
	return c.Compare(other) < 0
}

// comparePK 主键比较，两侧均可解析为整数时按数值比较
func comparePK(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ParseTimestamp 解析驱动返回的时间戳值。字符串形式视为 UTC。
func ParseTimestamp(v interface{}) (time.Time, error) {
	switch ts := v.(type) {
	case time.Time:
		return ts.UTC(), nil
	case string:
		return parseTimeString(ts)
	case []byte:
		return parseTimeString(string(ts))
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// PKString 将任意驱动返回的主键值规范化为字符串
func PKString(v interface{}) string {
	switch pk := v.(type) {
	case nil:
		return ""
	case string:
		return pk
	case []byte:
		return string(pk)
	case int64:
		return strconv.FormatInt(pk, 10)
	case int32:
		return strconv.FormatInt(int64(pk), 10)
	case int:
		return strconv.Itoa(pk)
	case float64:
		return strconv.FormatFloat(pk, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", pk)
	}
}
