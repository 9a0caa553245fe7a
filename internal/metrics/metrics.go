// Package metrics 提供 eidos-archiver 的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_archiver"

// 运行与批次指标
var (
	// RunsTotal 归档运行总数
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "归档运行总数",
		},
		[]string{"status"}, // status: success, partial, failed, skipped
	)

	// RunDuration 运行耗时
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "归档运行耗时(秒)",
			Buckets:   []float64{1, 5, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)

	// BatchesTotal 批次执行总数
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "批次执行总数",
		},
		[]string{"table", "status"}, // status: success, skipped, failed, staged
	)

	// BatchPhaseDuration 批次各阶段耗时
	BatchPhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_phase_duration_seconds",
			Help:      "批次各阶段耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"table", "phase"}, // phase: fetch, serialize, upload, verify, delete, commit
	)

	// BatchSizeGauge 当前自适应批次大小
	BatchSizeGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "当前自适应批次大小",
		},
		[]string{"table"},
	)

	// RowsArchivedTotal 已归档行数
	RowsArchivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_archived_total",
			Help:      "已归档并删除的行数",
		},
		[]string{"table"},
	)

	// BytesUploadedTotal 已上传字节数 (压缩后)
	BytesUploadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "已上传压缩字节数",
		},
		[]string{"table"},
	)

	// EligibleRowsGauge 运行开始时的可归档行数快照
	EligibleRowsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_rows",
			Help:      "运行开始时截止时间前的可归档行数快照",
		},
		[]string{"table"},
	)

	// WatermarkLag 水位线滞后 (截止时间 - 水位线, 秒)
	WatermarkLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_lag_seconds",
			Help:      "截止时间与水位线的滞后(秒)",
		},
		[]string{"table"},
	)
)

// 校验与合规指标
var (
	// VerificationFailuresTotal 校验失败总数
	VerificationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_failures_total",
			Help:      "批次校验失败总数",
		},
		[]string{"table", "kind"}, // kind: count, checksum, keyset, delete, residual
	)

	// ComplianceSkipsTotal 合规门禁跳过总数
	ComplianceSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compliance_skips_total",
			Help:      "合规门禁跳过的表数",
		},
		[]string{"table", "reason"}, // reason: legal_hold, retention_bounds, encryption
	)

	// SchemaDriftTotal 模式漂移检出总数
	SchemaDriftTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schema_drift_total",
			Help:      "模式漂移检出总数",
		},
		[]string{"table"},
	)
)

// 存储指标
var (
	// StorageRequestsTotal 对象存储请求总数
	StorageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_requests_total",
			Help:      "对象存储请求总数",
		},
		[]string{"op", "status"}, // op: put, get, head, list, delete
	)

	// StorageRequestDuration 对象存储请求耗时
	StorageRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_request_duration_seconds",
			Help:      "对象存储请求耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	// StorageThrottleTotal 存储限速 (SlowDown) 次数
	StorageThrottleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_throttle_total",
			Help:      "对象存储限速次数",
		},
	)

	// CircuitBreakerState 熔断器状态 (0=closed, 1=open, 2=half-open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "熔断器状态 0=closed 1=open 2=half-open",
		},
		[]string{"name"},
	)

	// FallbackSpoolsTotal 本地兜底写入次数
	FallbackSpoolsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_spools_total",
			Help:      "本地兜底写入次数",
		},
	)
)

// 恢复指标
var (
	// RestoreRowsTotal 已恢复行数
	RestoreRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_rows_total",
			Help:      "已恢复行数",
		},
		[]string{"table", "status"}, // status: inserted, skipped, failed
	)

	// RestoreDuration 恢复耗时
	RestoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restore_duration_seconds",
			Help:      "恢复任务耗时(秒)",
			Buckets:   []float64{1, 5, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"table"},
	)
)

// 锁与调度指标
var (
	// LockAcquisitionsTotal 锁获取结果总数
	LockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "分布式锁获取结果总数",
		},
		[]string{"name", "status"}, // status: acquired, contended, lost
	)

	// JobExecutionsTotal 调度任务执行总数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "调度任务执行总数",
		},
		[]string{"job_name", "status"},
	)

	// JobDuration 调度任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "调度任务耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"job_name"},
	)

	// RunningJobsGauge 当前运行中的任务数
	RunningJobsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_jobs_total",
			Help:      "当前运行中的任务数",
		},
	)
)
