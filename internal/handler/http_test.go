package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/scheduler"
)

type testJob struct {
	scheduler.BaseJob
	executed chan struct{}
}

func (j *testJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	select {
	case j.executed <- struct{}{}:
	default:
	}
	return &scheduler.JobResult{ProcessedCount: 1}, nil
}

func newHandlerFixture(t *testing.T) (*Handler, *gorm.DB, *testJob) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.RunExecution{}, &model.WatermarkRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	locks := lock.NewFileManager(t.TempDir(), time.Minute, time.Hour)
	sched := scheduler.New(locks, db, 3)
	job := &testJob{
		BaseJob:  scheduler.NewBaseJob("test-job", 30*time.Second, false),
		executed: make(chan struct{}, 1),
	}
	if err := sched.RegisterJob(job, scheduler.JobConfig{Cron: "0 0 0 1 1 *", Enabled: true}); err != nil {
		t.Fatalf("register job: %v", err)
	}
	return New(sched, db, nil), db, job
}

func TestHandler_HealthLive(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestHandler_HealthReady(t *testing.T) {
	h, db, _ := newHandlerFixture(t)
	h.WithSources(map[string]*gorm.DB{"trading": db})
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Ready      bool              `json:"ready"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if !body.Ready {
		t.Error("Expected ready true")
	}
	if body.Components["state_db"] != "up" {
		t.Errorf("Expected state_db up, got %q", body.Components["state_db"])
	}
	if body.Components["source:trading"] != "up" {
		t.Errorf("Expected source:trading up, got %q", body.Components["source:trading"])
	}
}

func TestHandler_TriggerJob(t *testing.T) {
	h, _, job := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/trigger?job=test-job", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	select {
	case <-job.executed:
	case <-time.After(2 * time.Second):
		t.Error("Job was not executed within timeout")
	}
}

func TestHandler_TriggerJob_NotFound(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/trigger?job=missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestHandler_TriggerJob_MethodNotAllowed(t *testing.T) {
	h, _, _ := newHandlerFixture(t)
	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/trigger?job=test-job", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestHandler_ListExecutions(t *testing.T) {
	h, db, _ := newHandlerFixture(t)
	now := time.Now().UnixMilli()
	for i, status := range []model.RunStatus{model.RunStatusSuccess, model.RunStatusFailed} {
		exec := model.RunExecution{
			RunID:     "run-" + string(rune('a'+i)),
			JobName:   "archive-run",
			Status:    status,
			StartedAt: now - int64(i*1000),
			CreatedAt: now,
		}
		if err := db.Create(&exec).Error; err != nil {
			t.Fatalf("seed execution: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/executions?job=archive-run", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 2 {
		t.Errorf("Expected 2 executions, got %d", body.Count)
	}
}

func TestHandler_Watermarks(t *testing.T) {
	h, db, _ := newHandlerFixture(t)
	wm := model.WatermarkRecord{
		Database:   "trading",
		SchemaName: "public",
		TableName_: "orders_audit",
		LastPK:     "42",
		UpdatedAt:  time.Now().UnixMilli(),
	}
	if err := db.Create(&wm).Error; err != nil {
		t.Fatalf("seed watermark: %v", err)
	}

	rec := httptest.NewRecorder()
	h.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/watermarks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("Expected 1 watermark, got %d", body.Count)
	}
}
