// Package app 提供归档服务的应用入口与装配。
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-archiver/internal/audit"
	"github.com/eidos-exchange/eidos-archiver/internal/compliance"
	"github.com/eidos-exchange/eidos-archiver/internal/config"
	"github.com/eidos-exchange/eidos-archiver/internal/database"
	"github.com/eidos-exchange/eidos-archiver/internal/handler"
	"github.com/eidos-exchange/eidos-archiver/internal/jobs"
	"github.com/eidos-exchange/eidos-archiver/internal/lock"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/internal/notify"
	"github.com/eidos-exchange/eidos-archiver/internal/objstore"
	"github.com/eidos-exchange/eidos-archiver/internal/orchestrator"
	"github.com/eidos-exchange/eidos-archiver/internal/pipeline"
	"github.com/eidos-exchange/eidos-archiver/internal/restore"
	"github.com/eidos-exchange/eidos-archiver/internal/scheduler"
	"github.com/eidos-exchange/eidos-archiver/internal/state"
	"github.com/eidos-exchange/eidos-archiver/internal/verify"
	"github.com/eidos-exchange/eidos-archiver/pkg/adaptive"
	"github.com/eidos-exchange/eidos-archiver/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
	"github.com/eidos-exchange/eidos-archiver/pkg/retry"
)

// App 归档服务应用
type App struct {
	cfg *config.Config

	// 基础设施
	stateDB     *gorm.DB
	redisClient redis.UniversalClient
	locks       lock.Manager
	httpServer  *http.Server

	// 对象存储
	store   objstore.MultipartStore
	pinger  handler.StoragePinger
	keys    objstore.Keys
	spool   *objstore.Spool
	breaker *circuitbreaker.CircuitBreaker

	// 源数据库
	sources  map[string]*gorm.DB
	adapters map[string]*database.Adapter
	tables   []model.TableTarget

	// 状态与审计
	watermarks *state.WatermarkStore
	manifests  *state.ManifestStore
	staged     *state.StagedStore
	auditSink  audit.Sink
	holds      compliance.HoldSource

	scheduler *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建应用实例
func New(cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Init 初始化全部基础设施。任何一步失败都应阻止启动。
func (a *App) Init(ctx context.Context) error {
	if err := a.initStateDB(); err != nil {
		return fmt.Errorf("init state db: %w", err)
	}
	if err := a.initLocks(); err != nil {
		return fmt.Errorf("init locks: %w", err)
	}
	if err := a.initStorage(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	if err := a.initSources(); err != nil {
		return fmt.Errorf("init sources: %w", err)
	}
	a.initState()
	if err := a.initCompliance(); err != nil {
		return fmt.Errorf("init compliance: %w", err)
	}
	a.initScheduler()
	if err := a.registerJobs(); err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	return nil
}

// Start 启动调度器与运维 HTTP 服务
func (a *App) Start() error {
	a.scheduler.Start()

	h := handler.New(a.scheduler, a.stateDB, a.pinger).WithSources(a.sources)
	a.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler: h.Mux(),
	}
	go func() {
		logger.Info("http server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http serve", zap.Error(err))
		}
	}()
	logger.Info("archiver service started",
		zap.String("service", a.cfg.Service.Name),
		zap.String("env", a.cfg.Service.Env),
		zap.Int("tables", len(a.tables)))
	return nil
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down archiver service...")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.redisClient != nil {
		a.redisClient.Close()
	}
	for name, db := range a.sources {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
		logger.Info("source closed", zap.String("source", name))
	}
	if a.stateDB != nil {
		if sqlDB, err := a.stateDB.DB(); err == nil {
			sqlDB.Close()
		}
	}
	a.cancel()
	logger.Info("archiver service stopped")
	return nil
}

// RunOnce 执行一次完整归档运行 (命令行单次模式)
func (a *App) RunOnce(ctx context.Context) *model.RunSummary {
	runID := uuid.NewString()
	return a.newRunOrchestrator(runID).Run(ctx)
}

// Restore 从归档恢复一张表。ignoreWatermark 无视恢复水位线重新恢复全部批次。
func (a *App) Restore(ctx context.Context, source, schema, table string, from, to time.Time, dryRun, ignoreWatermark bool) (*restore.Result, error) {
	db, ok := a.sources[source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", source)
	}
	var target model.TableTarget
	found := false
	for _, t := range a.tables {
		if t.Database == source && t.Schema == schema && t.Table == table {
			target = t
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("table %s/%s/%s not configured", source, schema, table)
	}

	engine := &restore.Engine{
		DB:               db,
		Store:            a.store,
		Keys:             a.keys,
		Audit:            a.auditSink,
		Watermarks:       state.NewRestoreWatermarkStore(a.store, a.keys),
		ConflictStrategy: a.cfg.Restore.ConflictStrategy,
		SchemaStrategy:   a.cfg.Restore.SchemaStrategy,
		BulkSize:         a.cfg.Restore.BulkLoadSize,
		RunID:            uuid.NewString(),
	}
	return engine.Restore(ctx, restore.Request{
		Target:          target,
		From:            from,
		To:              to,
		DryRun:          dryRun,
		IgnoreWatermark: ignoreWatermark,
	})
}

func (a *App) initStateDB() error {
	db, err := database.OpenState(a.cfg.StateDB)
	if err != nil {
		return err
	}
	a.stateDB = db
	logger.Info("state database connected",
		zap.String("host", a.cfg.StateDB.Host),
		zap.String("database", a.cfg.StateDB.Database))

	if err := AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("state database migrated")
	return nil
}

func (a *App) initLocks() error {
	ttl := time.Duration(a.cfg.Lock.TTLMinutes) * time.Minute
	heartbeat := time.Duration(a.cfg.Lock.HeartbeatSeconds) * time.Second

	if a.cfg.Lock.Backend == "file" {
		a.locks = lock.NewFileManager(a.cfg.Lock.FileDir, ttl, heartbeat)
		logger.Info("file lock manager initialized", zap.String("dir", a.cfg.Lock.FileDir))
		return nil
	}

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", a.cfg.Redis.Host, a.cfg.Redis.Port),
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	a.locks = lock.NewRedisManager(a.redisClient, ttl, heartbeat)
	logger.Info("redis lock manager initialized",
		zap.String("host", a.cfg.Redis.Host), zap.Int("db", a.cfg.Redis.DB))
	return nil
}

func (a *App) initStorage(ctx context.Context) error {
	a.keys = objstore.Keys{Prefix: a.cfg.Storage.Prefix}

	var raw objstore.MultipartStore
	switch a.cfg.Storage.Backend {
	case "s3":
		s3Store, err := objstore.NewS3Store(ctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		raw = s3Store
		a.pinger = s3Store
	case "local":
		local, err := objstore.NewLocalStore(a.cfg.Storage.LocalDir)
		if err != nil {
			return err
		}
		raw = local
	default:
		raw = objstore.NewMemoryStore()
	}

	wrapped := objstore.MultipartStore(objstore.NewInstrumentedStore(raw))
	if a.cfg.Storage.RequestsPerSecond > 0 {
		wrapped = objstore.NewThrottledStore(wrapped, a.cfg.Storage.RequestsPerSecond, a.cfg.Storage.Burst)
	}
	a.store = wrapped

	if a.cfg.Storage.FallbackDir != "" {
		spool, err := objstore.NewSpool(a.cfg.Storage.FallbackDir)
		if err != nil {
			return err
		}
		a.spool = spool
	}

	a.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	logger.Info("object storage initialized",
		zap.String("backend", a.cfg.Storage.Backend),
		zap.String("bucket", a.cfg.Storage.Bucket),
		zap.String("prefix", a.cfg.Storage.Prefix))
	return nil
}

func (a *App) initSources() error {
	a.sources = make(map[string]*gorm.DB, len(a.cfg.Sources))
	a.adapters = make(map[string]*database.Adapter, len(a.cfg.Sources))
	for name, src := range a.cfg.Sources {
		db, err := database.OpenSource(src)
		if err != nil {
			return fmt.Errorf("open source %s: %w", name, err)
		}
		a.sources[name] = db
		a.adapters[name] = database.NewAdapter(db,
			time.Duration(src.StatementTimeoutSeconds)*time.Second,
			time.Duration(src.MaxClockSkewSeconds)*time.Second)
		logger.Info("source connected",
			zap.String("source", name), zap.String("host", src.Host))
	}

	a.tables = make([]model.TableTarget, 0, len(a.cfg.Tables))
	for _, t := range a.cfg.Tables {
		a.tables = append(a.tables, model.TableTarget{
			Database:         t.Source,
			Schema:           t.Schema,
			Table:            t.Table,
			TimestampColumn:  t.TimestampColumn,
			PrimaryKey:       t.PrimaryKey,
			RetentionDays:    a.cfg.RetentionFor(t),
			Classification:   t.Classification,
			Critical:         t.Critical,
			BatchSize:        t.BatchSize,
			MaxBatchesPerRun: t.MaxBatchesPerRun,
			VacuumStrategy:   t.VacuumStrategy,
		})
	}
	return nil
}

func (a *App) initState() {
	a.watermarks = state.NewWatermarkStore(a.store, a.keys, a.stateDB)
	a.manifests = state.NewManifestStore(a.store, a.keys)
	a.staged = state.NewStagedStore(a.stateDB)
	a.auditSink = audit.NewStoreSink(a.store, a.keys, a.stateDB)
}

func (a *App) initCompliance() error {
	holds, err := compliance.NewHoldSource(a.cfg.Compliance, a.stateDB)
	if err != nil {
		return err
	}
	a.holds = holds
	return nil
}

func (a *App) initScheduler() {
	a.scheduler = scheduler.New(a.locks, a.stateDB, a.cfg.Scheduler.MaxConcurrentJobs)
}

// registerJobs 注册全部后台任务。
// 配置缺省的任务按默认 cron 启用, 显式配置以配置为准。
func (a *App) registerJobs() error {
	register := func(job scheduler.Job, jc config.JobConfig) error {
		def := scheduler.DefaultJobConfigs[job.Name()]
		cfg := scheduler.JobConfig{Cron: jc.Cron, Enabled: jc.Enabled}
		if jc.Cron == "" {
			cfg = scheduler.JobConfig{Cron: def.Cron, Enabled: true}
		}
		return a.scheduler.RegisterJob(job, cfg)
	}

	if err := register(jobs.NewArchiveRunJob(a.newRunOrchestrator), a.cfg.Jobs.Archive); err != nil {
		return err
	}
	if err := register(jobs.NewStagedSweeperJob(a.staged, a.adapters, a.store, a.tables), a.cfg.Jobs.StagedSweeper); err != nil {
		return err
	}
	if a.spool != nil {
		if err := register(jobs.NewFallbackDrainJob(a.spool, a.store), a.cfg.Jobs.FallbackCleanup); err != nil {
			return err
		}
	}
	if err := register(jobs.NewMultipartCleanupJob(a.store, a.cfg.Storage.Prefix), a.cfg.Jobs.MultipartCleanup); err != nil {
		return err
	}
	if err := register(jobs.NewArchiveValidationJob(a.store, a.keys, a.manifests, a.tables), a.cfg.Jobs.ArchiveValidation); err != nil {
		return err
	}
	return nil
}

// newRunOrchestrator 组装一次归档运行
func (a *App) newRunOrchestrator(runID string) *orchestrator.RunOrchestrator {
	runners := make(map[string]orchestrator.TableRunner, len(a.adapters))
	for name := range a.adapters {
		runners[name] = &sourceRunner{app: a, source: name, runID: runID}
	}
	return &orchestrator.RunOrchestrator{
		Runners:     runners,
		Tables:      a.tables,
		Locks:       a.locks,
		Storage:     a.pinger,
		Store:       a.store,
		Keys:        a.keys,
		Audit:       a.auditSink,
		Notify:      notify.NewLogNotifier(),
		StateDB:     a.stateDB,
		MaxParallel: a.cfg.Archive.MaxParallelTables,
		RunID:       runID,
		Version:     a.cfg.Archive.ArchiverVersion,
	}
}

// sourceRunner 每次归档一张表时装配独立的表编排器。
// 同源的多张表可能并发归档, 编排器内部状态不可共享。
type sourceRunner struct {
	app    *App
	source string
	runID  string
}

func (r *sourceRunner) ArchiveTable(ctx context.Context, t model.TableTarget) *model.TableResult {
	return r.app.newTableOrchestrator(r.source, r.runID, t).ArchiveTable(ctx, t)
}

func (a *App) newTableOrchestrator(source, runID string, t model.TableTarget) *orchestrator.TableOrchestrator {
	cfg := a.cfg
	adapter := a.adapters[source]

	initial := t.BatchSize
	if initial == 0 {
		initial = cfg.Archive.DefaultBatchSize
	}
	sizer := adaptive.NewSizer(adaptive.Config{
		InitialSize:    initial,
		MinSize:        cfg.Archive.MinBatchSize,
		MaxSize:        cfg.Archive.MaxBatchSize,
		TargetDuration: time.Duration(cfg.Archive.TargetFetchMillis) * time.Millisecond,
		MemoryCapBytes: int64(cfg.Archive.MemoryCapMB) << 20,
	})

	uploadRetry := retry.Policy{
		MaxAttempts: cfg.Archive.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.Archive.RetryBaseMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.Archive.RetryMaxMillis) * time.Millisecond,
		Jitter:      true,
	}

	checkpoints := state.NewCheckpointStore(a.store, a.keys, cfg.Archive.CheckpointInterval)
	uploader := objstore.NewUploader(a.store, cfg.Storage.MultipartThresholdBytes, cfg.Storage.PartSizeBytes, uploadRetry)
	// 分片上传状态随表检查点落盘, 清理任务据此中止崩溃遗留的上传
	uploader.StateSink = func(ctx context.Context, st model.MultipartUploadState) error {
		return checkpoints.RecordMultipart(ctx, t, st)
	}

	exec := &pipeline.Executor{
		Adapter:    adapter,
		Uploader:   uploader,
		Store:      a.store,
		Verifier:   verify.NewVerifier(a.store),
		Manifests:  a.manifests,
		Watermarks: a.watermarks,
		Audit:      a.auditSink,
		Keys:       a.keys,
		Breaker:    a.breaker,
		Spool:      a.spool,

		CompressionLevel: cfg.Archive.CompressionLevel,
		SampleMax:        cfg.Archive.SampleCheckMax,
		DeletionMode:     cfg.Archive.DeletionMode,
		StagedDelay:      time.Duration(cfg.Archive.StagedDelayHours) * time.Hour,
		Staged:           a.staged,
		DryRun:           cfg.Archive.DryRun,
		ArchiverVersion:  cfg.Archive.ArchiverVersion,
		StorageClass:     cfg.Storage.StorageClass,
		SSE:              cfg.Storage.SSE,
		RunID:            runID,
	}

	return &orchestrator.TableOrchestrator{
		Adapter:     adapter,
		Executor:    exec,
		Gate:        compliance.NewGate(cfg.Compliance, cfg.Storage.SSE, a.holds),
		Checkpoints: checkpoints,
		Locks:       a.locks,

		Sizer:        sizer,
		Retry:        uploadRetry,
		BatchTimeout: time.Duration(cfg.Archive.BatchTimeoutSeconds) * time.Second,
		RunID:        runID,
	}
}
