// Package scheduler 按 cron 表达式调度后台任务，
// 并发上限与分布式锁保证同一任务不重复执行。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// Scheduler 任务调度器
type Scheduler struct {
	cron          *cron.Cron
	locks         lock.Manager
	stateDB       *gorm.DB
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// New 创建调度器。stateDB 为 nil 时不落执行记录。
func New(locks lock.Manager, stateDB *gorm.DB, maxConcurrent int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()), // 支持秒级调度
		locks:         locks,
		stateDB:       stateDB,
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}
	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	_, err := s.cron.AddFunc(config.Cron, func() {
		s.executeJob(job)
	})
	if err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("add cron job %s: %w", job.Name(), err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()), zap.String("cron", config.Cron))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器并等待在途任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}
	go s.executeJob(job)
	return nil
}

// executeJob 执行任务: 并发上限, 分布式锁, 执行记录与指标
func (s *Scheduler) executeJob(job Job) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		metrics.JobExecutionsTotal.WithLabelValues(job.Name(), "skipped").Inc()
		s.recordSkip(job.Name(), "max concurrent jobs reached")
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() {
		jl := s.locks.JobLock(job.Name())
		acquired, err := jl.TryLock(ctx)
		if err != nil {
			logger.Error("job lock error", zap.String("job", job.Name()), zap.Error(err))
			metrics.JobExecutionsTotal.WithLabelValues(job.Name(), "failed").Inc()
			s.recordSkip(job.Name(), "lock error: "+err.Error())
			return
		}
		if !acquired {
			logger.Debug("job is running on another instance", zap.String("job", job.Name()))
			metrics.JobExecutionsTotal.WithLabelValues(job.Name(), "skipped").Inc()
			s.recordSkip(job.Name(), "job is running on another instance")
			return
		}
		defer func() {
			if err := jl.Unlock(context.Background()); err != nil {
				logger.Error("job lock release failed", zap.String("job", job.Name()), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	exec := s.beginExecution(ctx, job.Name(), start)
	metrics.RunningJobsGauge.Inc()
	defer metrics.RunningJobsGauge.Dec()
	logger.Info("starting job", zap.String("job", job.Name()))

	result, err := job.Execute(ctx)

	duration := time.Since(start)
	metrics.JobDuration.WithLabelValues(job.Name()).Observe(duration.Seconds())
	if err != nil {
		metrics.JobExecutionsTotal.WithLabelValues(job.Name(), "failed").Inc()
		logger.Error("job failed",
			zap.String("job", job.Name()), zap.Duration("duration", duration), zap.Error(err))
	} else {
		metrics.JobExecutionsTotal.WithLabelValues(job.Name(), "success").Inc()
		logger.Info("job completed",
			zap.String("job", job.Name()), zap.Duration("duration", duration))
	}
	s.finishExecution(exec, result, err, duration)
}

func (s *Scheduler) beginExecution(ctx context.Context, jobName string, start time.Time) *model.RunExecution {
	if s.stateDB == nil {
		return nil
	}
	exec := &model.RunExecution{
		RunID:     uuid.NewString(),
		JobName:   jobName,
		Status:    model.RunStatusRunning,
		StartedAt: start.UnixMilli(),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.stateDB.WithContext(ctx).Create(exec).Error; err != nil {
		logger.Error("record job start failed", zap.String("job", jobName), zap.Error(err))
		return nil
	}
	return exec
}

func (s *Scheduler) finishExecution(exec *model.RunExecution, result *JobResult, execErr error, duration time.Duration) {
	if exec == nil || s.stateDB == nil {
		return
	}
	now := time.Now().UnixMilli()
	durationMs := int(duration.Milliseconds())
	exec.FinishedAt = &now
	exec.DurationMs = &durationMs
	if execErr != nil {
		exec.Status = model.RunStatusFailed
		msg := execErr.Error()
		exec.ErrorMessage = &msg
	} else {
		exec.Status = model.RunStatusSuccess
		exec.Result = result.ToJSONResult()
	}
	if err := s.stateDB.Save(exec).Error; err != nil {
		logger.Error("update job execution failed", zap.String("job", exec.JobName), zap.Error(err))
	}
}

// recordSkip 记录跳过的执行
func (s *Scheduler) recordSkip(jobName, message string) {
	if s.stateDB == nil {
		return
	}
	now := time.Now().UnixMilli()
	zero := 0
	exec := &model.RunExecution{
		RunID:        uuid.NewString(),
		JobName:      jobName,
		Status:       model.RunStatusSkipped,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMs:   &zero,
		ErrorMessage: &message,
		CreatedAt:    now,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.stateDB.WithContext(ctx).Create(exec).Error; err != nil {
		logger.Error("record skipped execution failed", zap.String("job", jobName), zap.Error(err))
	}
}
