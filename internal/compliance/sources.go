package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/internal/config"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
)

// DBHoldSource 从状态库读取法律保留
type DBHoldSource struct {
	db *gorm.DB
}

// NewDBHoldSource 创建数据库保留来源
func NewDBHoldSource(db *gorm.DB) *DBHoldSource {
	return &DBHoldSource{db: db}
}

// ActiveHolds 查询目标表生效的保留
func (s *DBHoldSource) ActiveHolds(ctx context.Context, t model.TableTarget) ([]model.LegalHold, error) {
	var records []model.LegalHoldRecord
	now := time.Now().UnixMilli()
	err := s.db.WithContext(ctx).
		Where("database_name = ? AND schema_name = ? AND table_name = ?", t.Database, t.Schema, t.Table).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query legal holds: %w", err)
	}

	holds := make([]model.LegalHold, 0, len(records))
	for _, r := range records {
		h := model.LegalHold{
			ID:        r.ID,
			Database:  r.Database,
			Schema:    r.SchemaName,
			Table:     r.TableName_,
			Predicate: r.Predicate,
			Reason:    r.Reason,
			PlacedAt:  time.UnixMilli(r.PlacedAt),
		}
		if r.ExpiresAt != nil {
			exp := time.UnixMilli(*r.ExpiresAt)
			h.ExpiresAt = &exp
		}
		holds = append(holds, h)
	}
	return holds, nil
}

// FileHoldSource 从静态 JSON 文件读取保留 (每次检查重新读取)
type FileHoldSource struct {
	path string
}

// NewFileHoldSource 创建文件保留来源
func NewFileHoldSource(path string) *FileHoldSource {
	return &FileHoldSource{path: path}
}

// ActiveHolds 读取并过滤目标表的保留
func (s *FileHoldSource) ActiveHolds(ctx context.Context, t model.TableTarget) ([]model.LegalHold, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read legal hold file: %w", err)
	}
	var all []model.LegalHold
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse legal hold file: %w", err)
	}
	var holds []model.LegalHold
	for _, h := range all {
		if h.Covers(t) {
			holds = append(holds, h)
		}
	}
	return holds, nil
}

// HTTPHoldSource 从合规服务拉取保留
type HTTPHoldSource struct {
	url    string
	client *http.Client
}

// NewHTTPHoldSource 创建 HTTP 保留来源
func NewHTTPHoldSource(url string) *HTTPHoldSource {
	return &HTTPHoldSource{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// ActiveHolds 请求目标表的保留列表
func (s *HTTPHoldSource) ActiveHolds(ctx context.Context, t model.TableTarget) ([]model.LegalHold, error) {
	url := fmt.Sprintf("%s?database=%s&schema=%s&table=%s", s.url, t.Database, t.Schema, t.Table)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("legal hold service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("legal hold service status %d", resp.StatusCode)
	}
	var holds []model.LegalHold
	if err := json.NewDecoder(resp.Body).Decode(&holds); err != nil {
		return nil, fmt.Errorf("decode legal hold response: %w", err)
	}
	return holds, nil
}

// NewHoldSource 按配置选择保留来源，none 返回 nil
func NewHoldSource(cfg config.ComplianceConfig, stateDB *gorm.DB) (HoldSource, error) {
	switch cfg.LegalHoldSource {
	case "db":
		if stateDB == nil {
			return nil, fmt.Errorf("legal hold source db requires state database")
		}
		return NewDBHoldSource(stateDB), nil
	case "file":
		return NewFileHoldSource(cfg.LegalHoldFile), nil
	case "http":
		return NewHTTPHoldSource(cfg.LegalHoldURL), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown legal hold source %q", cfg.LegalHoldSource)
	}
}
