package scheduler

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
)

// Job 后台任务接口
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 任务超时时间
	Timeout() time.Duration
	// RequiresLock 是否需要分布式锁
	RequiresLock() bool
}

// JobResult 任务执行结果
type JobResult struct {
	// ProcessedCount 处理的记录数
	ProcessedCount int
	// AffectedCount 影响的记录数
	AffectedCount int
	// ErrorCount 错误数
	ErrorCount int
	// Details 详细信息
	Details map[string]interface{}
}

// ToJSONResult 转换为 JSONResult
func (r *JobResult) ToJSONResult() model.JSONResult {
	if r == nil {
		return nil
	}
	result := model.JSONResult{
		"processed_count": r.ProcessedCount,
		"affected_count":  r.AffectedCount,
		"error_count":     r.ErrorCount,
	}
	for k, v := range r.Details {
		result[k] = v
	}
	return result
}

// BaseJob 基础任务实现
type BaseJob struct {
	name         string
	timeout      time.Duration
	requiresLock bool
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout time.Duration, requiresLock bool) BaseJob {
	return BaseJob{name: name, timeout: timeout, requiresLock: requiresLock}
}

// Name 任务名称
func (j BaseJob) Name() string {
	return j.name
}

// Timeout 任务超时时间
func (j BaseJob) Timeout() time.Duration {
	return j.timeout
}

// RequiresLock 是否需要分布式锁
func (j BaseJob) RequiresLock() bool {
	return j.requiresLock
}

// 任务名称常量
const (
	JobNameArchiveRun        = "archive-run"
	JobNameStagedSweeper     = "staged-sweeper"
	JobNameFallbackDrain     = "fallback-drain"
	JobNameMultipartCleanup  = "multipart-cleanup"
	JobNameArchiveValidation = "archive-validation"
)

// DefaultJobConfigs 默认任务配置
var DefaultJobConfigs = map[string]struct {
	Cron    string
	Timeout time.Duration
}{
	JobNameArchiveRun: {
		Cron:    "0 0 3 * * *", // 每日凌晨3点
		Timeout: 4 * time.Hour,
	},
	JobNameStagedSweeper: {
		Cron:    "0 30 * * * *", // 每小时第30分钟
		Timeout: 30 * time.Minute,
	},
	JobNameFallbackDrain: {
		Cron:    "0 */10 * * * *", // 每10分钟
		Timeout: 10 * time.Minute,
	},
	JobNameMultipartCleanup: {
		Cron:    "0 0 5 * * *", // 每日凌晨5点
		Timeout: 15 * time.Minute,
	},
	JobNameArchiveValidation: {
		Cron:    "0 0 6 * * 0", // 每周日凌晨6点
		Timeout: 2 * time.Hour,
	},
}
