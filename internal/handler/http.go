// Package handler 暴露运维 HTTP 接口: 健康检查、指标、任务触发与执行历史。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/scheduler"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// StoragePinger 对象存储可达性探测
type StoragePinger interface {
	Ping(ctx context.Context) error
}

// Handler 运维接口处理器
type Handler struct {
	scheduler *scheduler.Scheduler
	stateDB   *gorm.DB
	storage   StoragePinger
	sources   map[string]*gorm.DB
}

// New 创建运维接口处理器。stateDB 与 storage 可以为 nil, 相应检查被跳过。
func New(sched *scheduler.Scheduler, stateDB *gorm.DB, storage StoragePinger) *Handler {
	return &Handler{scheduler: sched, stateDB: stateDB, storage: storage}
}

// WithSources 注册源数据库, 就绪检查逐库探测
func (h *Handler) WithSources(sources map[string]*gorm.DB) *Handler {
	h.sources = sources
	return h
}

// Mux 组装路由
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", h.handleLive)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/jobs/trigger", h.handleTrigger)
	mux.HandleFunc("/jobs/executions", h.handleExecutions)
	mux.HandleFunc("/watermarks", h.handleWatermarks)
	return mux
}

func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReady 全部组件可达才算就绪, 响应体给出逐组件状态
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{}
	ready := true
	check := func(name string, err error) {
		if err != nil {
			components[name] = "down: " + err.Error()
			ready = false
			return
		}
		components[name] = "up"
	}

	if h.stateDB != nil {
		check("state_db", pingGorm(ctx, h.stateDB))
	}
	for name, db := range h.sources {
		check("source:"+name, pingGorm(ctx, db))
	}
	if h.storage != nil {
		check("storage", h.storage.Ping(ctx))
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":      ready,
		"components": components,
	})
}

func pingGorm(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// handleTrigger 手动触发任务: POST /jobs/trigger?job=<name>
func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobName := r.URL.Query().Get("job")
	if jobName == "" {
		http.Error(w, "job is required", http.StatusBadRequest)
		return
	}
	if err := h.scheduler.TriggerJob(jobName); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"accepted": false,
			"message":  err.Error(),
		})
		return
	}
	logger.Info("job triggered via http", zap.String("job", jobName))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"message":  "job triggered",
	})
}

// handleExecutions 执行历史: GET /jobs/executions?job=<name>&limit=<n>
func (h *Handler) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if h.stateDB == nil {
		http.Error(w, "state db not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	q := h.stateDB.WithContext(r.Context()).Order("started_at DESC").Limit(limit)
	if jobName := r.URL.Query().Get("job"); jobName != "" {
		q = q.Where("job_name = ?", jobName)
	}
	var executions []model.RunExecution
	if err := q.Find(&executions).Error; err != nil {
		logger.Error("list run executions failed", zap.Error(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"count":      len(executions),
	})
}

// handleWatermarks 各表归档进度: GET /watermarks
func (h *Handler) handleWatermarks(w http.ResponseWriter, r *http.Request) {
	if h.stateDB == nil {
		http.Error(w, "state db not configured", http.StatusServiceUnavailable)
		return
	}
	var watermarks []model.WatermarkRecord
	if err := h.stateDB.WithContext(r.Context()).
		Order("database_name, schema_name, table_name").
		Find(&watermarks).Error; err != nil {
		logger.Error("list watermarks failed", zap.Error(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"watermarks": watermarks,
		"count":      len(watermarks),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("encode response failed", zap.Error(err))
	}
}
