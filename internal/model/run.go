package model

import "time"

// 进程退出码
const (
	ExitOK              = 0 // 全部表成功
	ExitPartialFailure  = 1 // 至少一张表失败，其余成功
	ExitFatal           = 2 // 运行级致命错误
	ExitConfigInvalid   = 3 // 配置校验失败
	ExitLockNotAcquired = 4 // 未取得运行锁
	ExitStorageDown     = 5 // 对象存储启动探测失败
	ExitInterrupted     = 6 // 收到中断信号，已完成批次保持提交
	ExitComplianceBlock = 7 // 全部表被合规门禁跳过
)

// ExitCodeName 退出码的可读名称
func ExitCodeName(code int) string {
	switch code {
	case ExitOK:
		return "ok"
	case ExitPartialFailure:
		return "partial_failure"
	case ExitFatal:
		return "fatal"
	case ExitConfigInvalid:
		return "config_invalid"
	case ExitLockNotAcquired:
		return "lock_not_acquired"
	case ExitStorageDown:
		return "storage_down"
	case ExitInterrupted:
		return "interrupted"
	case ExitComplianceBlock:
		return "compliance_block"
	default:
		return "unknown"
	}
}

// TableOutcome 单表运行结论
type TableOutcome string

const (
	TableSuccess TableOutcome = "success"
	TableFailed  TableOutcome = "failed"
	TableSkipped TableOutcome = "skipped"
	TableDrained TableOutcome = "drained"
)

// TableResult 单表归档结果
type TableResult struct {
	Target        TableTarget   `json:"-"`
	Key           string        `json:"table"`
	Outcome       TableOutcome  `json:"outcome"`
	Batches       int           `json:"batches"`
	RowsArchived  int64         `json:"rows_archived"`
	BytesUploaded int64         `json:"bytes_uploaded"`
	SkipReason    string        `json:"skip_reason,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Duration      time.Duration `json:"duration_ns"`
}

// RunSummary 一次运行的汇总，运行结束后写入对象存储
type RunSummary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Tables     []TableResult `json:"tables"`
	ExitCode   int           `json:"exit_code"`
	Host       string        `json:"host,omitempty"`
	Version    string        `json:"archiver_version,omitempty"`
}

// TotalRows 全部表归档行数
func (s *RunSummary) TotalRows() int64 {
	var n int64
	for _, t := range s.Tables {
		n += t.RowsArchived
	}
	return n
}

// Failed 失败表数量
func (s *RunSummary) Failed() int {
	var n int
	for _, t := range s.Tables {
		if t.Outcome == TableFailed {
			n++
		}
	}
	return n
}

// Skipped 跳过表数量
func (s *RunSummary) Skipped() int {
	var n int
	for _, t := range s.Tables {
		if t.Outcome == TableSkipped {
			n++
		}
	}
	return n
}

// ResolveExitCode 按表结果推导退出码
func (s *RunSummary) ResolveExitCode() int {
	if len(s.Tables) == 0 {
		return ExitOK
	}
	if s.Skipped() == len(s.Tables) {
		return ExitComplianceBlock
	}
	if s.Failed() > 0 {
		return ExitPartialFailure
	}
	return ExitOK
}
