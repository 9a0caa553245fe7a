package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/app"
	"github.com/eidos-exchange/eidos-archiver/internal/config"
	"github.com/eidos-exchange/eidos-archiver/internal/model"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

var (
	runOnce     = flag.Bool("run-once", false, "执行一次归档运行后退出, 退出码反映运行结果")
	restoreFlag = flag.Bool("restore", false, "恢复模式")
	source      = flag.String("source", "", "恢复: 源数据库名")
	schema      = flag.String("schema", "", "恢复: 模式名")
	table       = flag.String("table", "", "恢复: 表名")
	fromStr     = flag.String("from", "", "恢复: 时间窗口下界 (RFC3339, 可空)")
	toStr       = flag.String("to", "", "恢复: 时间窗口上界 (RFC3339, 可空)")
	dryRun      = flag.Bool("dry-run", false, "恢复: 只校验不写入")
	ignoreWM    = flag.Bool("ignore-restore-watermark", false, "恢复: 无视恢复水位线, 重新恢复全部批次")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(model.ExitConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(model.ExitConfigInvalid)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(model.ExitConfigInvalid)
	}
	defer logger.Sync()

	logger.Info("starting service",
		zap.String("service", cfg.Service.Name),
		zap.String("version", cfg.Archive.ArchiverVersion))

	application := app.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Init(ctx); err != nil {
		logger.Error("failed to init application", zap.Error(err))
		os.Exit(model.ExitFatal)
	}

	switch {
	case *restoreFlag:
		os.Exit(runRestore(ctx, application))
	case *runOnce:
		os.Exit(runSingle(ctx, application))
	default:
		runService(ctx, application)
	}
}

// runSingle 单次归档运行, 退出码即运行结果
func runSingle(ctx context.Context, application *app.App) int {
	summary := application.RunOnce(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	application.Shutdown(shutdownCtx)

	if ctx.Err() != nil {
		return model.ExitInterrupted
	}
	logger.Info("archive run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("exit_code", summary.ExitCode),
		zap.Int64("rows", summary.TotalRows()))
	return summary.ExitCode
}

// runRestore 恢复一张表
func runRestore(ctx context.Context, application *app.App) int {
	var from, to time.Time
	var err error
	if *fromStr != "" {
		if from, err = time.Parse(time.RFC3339, *fromStr); err != nil {
			fmt.Fprintln(os.Stderr, "invalid -from:", err)
			return model.ExitConfigInvalid
		}
	}
	if *toStr != "" {
		if to, err = time.Parse(time.RFC3339, *toStr); err != nil {
			fmt.Fprintln(os.Stderr, "invalid -to:", err)
			return model.ExitConfigInvalid
		}
	}
	if *source == "" || *schema == "" || *table == "" {
		fmt.Fprintln(os.Stderr, "-source, -schema and -table are required for restore")
		return model.ExitConfigInvalid
	}

	res, err := application.Restore(ctx, *source, *schema, *table, from, to, *dryRun, *ignoreWM)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	application.Shutdown(shutdownCtx)

	if err != nil {
		logger.Error("restore failed", zap.Error(err))
		return model.ExitFatal
	}
	logger.Info("restore finished",
		zap.Int("batches", res.Batches),
		zap.Int64("rows_restored", res.RowsRestored),
		zap.Int64("rows_skipped", res.RowsSkipped),
		zap.Bool("dry_run", *dryRun))
	return model.ExitOK
}

// runService 常驻模式: 调度器 + 运维 HTTP
func runService(ctx context.Context, application *app.App) {
	if err := application.Start(); err != nil {
		logger.Fatal("failed to start application", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("service stopped")
}
