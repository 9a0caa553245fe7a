package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
)

func setupSchedulerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("underlying db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.RunExecution{}); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

func newTestScheduler(t *testing.T, maxConcurrent int) *Scheduler {
	t.Helper()
	locks := lock.NewFileManager(t.TempDir(), time.Minute, time.Hour)
	return New(locks, setupSchedulerTestDB(t), maxConcurrent)
}

// mockJob 模拟任务用于测试
type mockJob struct {
	BaseJob
	executeFunc func(ctx context.Context) (*JobResult, error)
	execCount   int64
}

func newMockJob(name string, requiresLock bool, executeFunc func(ctx context.Context) (*JobResult, error)) *mockJob {
	return &mockJob{
		BaseJob:     NewBaseJob(name, 30*time.Second, requiresLock),
		executeFunc: executeFunc,
	}
}

func (j *mockJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.execCount, 1)
	if j.executeFunc != nil {
		return j.executeFunc(ctx)
	}
	return &JobResult{ProcessedCount: 1, AffectedCount: 1}, nil
}

func (j *mockJob) GetExecCount() int64 {
	return atomic.LoadInt64(&j.execCount)
}

func TestScheduler_RegisterJob(t *testing.T) {
	scheduler := newTestScheduler(t, 3)

	job := newMockJob("test-job", false, nil)
	err := scheduler.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true})
	if err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}

	scheduler.mu.RLock()
	_, exists := scheduler.jobs["test-job"]
	config := scheduler.jobConfigs["test-job"]
	scheduler.mu.RUnlock()

	if !exists {
		t.Fatal("Expected job to be registered")
	}
	if !config.Enabled {
		t.Error("Expected job to be enabled")
	}
}

func TestScheduler_RegisterJob_Disabled(t *testing.T) {
	scheduler := newTestScheduler(t, 3)

	job := newMockJob("disabled-job", false, nil)
	err := scheduler.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: false})
	if err != nil {
		t.Fatalf("RegisterJob failed: %v", err)
	}

	scheduler.mu.RLock()
	config := scheduler.jobConfigs["disabled-job"]
	scheduler.mu.RUnlock()
	if config.Enabled {
		t.Error("Expected job to be disabled")
	}
}

func TestScheduler_RegisterJob_Duplicate(t *testing.T) {
	scheduler := newTestScheduler(t, 3)

	job := newMockJob("dup-job", false, nil)
	if err := scheduler.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true}); err != nil {
		t.Fatalf("First RegisterJob failed: %v", err)
	}
	if err := scheduler.RegisterJob(job, JobConfig{Cron: "*/5 * * * * *", Enabled: true}); err == nil {
		t.Error("Expected error for duplicate job registration")
	}
}

func TestScheduler_TriggerJob(t *testing.T) {
	scheduler := newTestScheduler(t, 3)

	executed := make(chan struct{}, 1)
	job := newMockJob("trigger-test", false, func(ctx context.Context) (*JobResult, error) {
		executed <- struct{}{}
		return &JobResult{ProcessedCount: 1}, nil
	})

	// 每年 1 月 1 日, 定时路径在测试内不会触发
	scheduler.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true})
	scheduler.Start()
	defer scheduler.Stop()

	if err := scheduler.TriggerJob("trigger-test"); err != nil {
		t.Fatalf("TriggerJob failed: %v", err)
	}

	select {
	case <-executed:
	case <-time.After(2 * time.Second):
		t.Error("Job was not executed within timeout")
	}
}

func TestScheduler_TriggerJob_NotFound(t *testing.T) {
	scheduler := newTestScheduler(t, 3)
	if err := scheduler.TriggerJob("non-existent"); err == nil {
		t.Error("Expected error for non-existent job")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	scheduler := newTestScheduler(t, 3)

	job := newMockJob("start-stop-test", false, nil)
	scheduler.RegisterJob(job, JobConfig{Cron: "*/1 * * * * *", Enabled: true})

	scheduler.Start()
	time.Sleep(2500 * time.Millisecond)
	scheduler.Stop()

	execCount := job.GetExecCount()
	if execCount < 2 {
		t.Errorf("Expected at least 2 executions, got %d", execCount)
	}

	time.Sleep(1500 * time.Millisecond)
	if job.GetExecCount() != execCount {
		t.Error("Job should not execute after scheduler is stopped")
	}
}

func TestScheduler_Concurrency(t *testing.T) {
	scheduler := newTestScheduler(t, 2)

	executing := int64(0)
	maxConcurrent := int64(0)
	var mu sync.Mutex

	slowJob := func(ctx context.Context) (*JobResult, error) {
		current := atomic.AddInt64(&executing, 1)
		mu.Lock()
		if current > maxConcurrent {
			maxConcurrent = current
		}
		mu.Unlock()
		time.Sleep(300 * time.Millisecond)
		atomic.AddInt64(&executing, -1)
		return &JobResult{}, nil
	}

	for _, name := range []string{"slow-a", "slow-b", "slow-c", "slow-d", "slow-e"} {
		job := newMockJob(name, false, slowJob)
		scheduler.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true})
		scheduler.TriggerJob(name)
	}

	time.Sleep(time.Second)
	mu.Lock()
	observed := maxConcurrent
	mu.Unlock()
	if observed > 2 {
		t.Errorf("Expected at most 2 concurrent jobs, observed %d", observed)
	}
}

func TestScheduler_JobLockPreventsDuplicate(t *testing.T) {
	locks := lock.NewFileManager(t.TempDir(), time.Minute, time.Hour)
	scheduler := New(locks, setupSchedulerTestDB(t), 3)

	// 预先占住任务锁, 模拟另一实例在执行
	held := locks.JobLock("locked-job")
	ok, err := held.TryLock(context.Background())
	if err != nil || !ok {
		t.Fatalf("pre-acquire job lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock(context.Background())

	job := newMockJob("locked-job", true, nil)
	scheduler.RegisterJob(job, JobConfig{Cron: "0 0 0 1 1 *", Enabled: true})
	scheduler.TriggerJob("locked-job")

	time.Sleep(500 * time.Millisecond)
	if job.GetExecCount() != 0 {
		t.Errorf("Expected job skipped while lock is held, executed %d times", job.GetExecCount())
	}
}
