package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

// FileLock 单机文件锁。O_EXCL 创建锁文件，持有期间定期刷新修改时间，
// 修改时间超过 TTL 的锁视为 stale 并可被抢占。
type FileLock struct {
	path      string
	value     string
	ttl       time.Duration
	heartbeat time.Duration

	lost     chan struct{}
	lostOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type lockFileContent struct {
	Value    string    `json:"value"`
	PID      int       `json:"pid"`
	Acquired time.Time `json:"acquired_at"`
}

// NewFileLock 创建文件锁
func NewFileLock(dir, name string, ttl, heartbeat time.Duration) *FileLock {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(name)
	return &FileLock{
		path:      filepath.Join(dir, "eidos-archiver-"+safe+".lock"),
		value:     uuid.NewString(),
		ttl:       ttl,
		heartbeat: heartbeat,
		lost:      make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// TryLock 尝试获取锁，stale 锁先清除再抢占
func (l *FileLock) TryLock(ctx context.Context) (bool, error) {
	if st, err := os.Stat(l.path); err == nil {
		if time.Since(st.ModTime()) > l.ttl {
			logger.Warn("removing stale lock file", zap.String("path", l.path))
			os.Remove(l.path)
		}
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	content, _ := json.Marshal(lockFileContent{
		Value:    l.value,
		PID:      os.Getpid(),
		Acquired: time.Now().UTC(),
	})
	if _, err := f.Write(content); err != nil {
		os.Remove(l.path)
		return false, fmt.Errorf("write lock file: %w", err)
	}

	l.startWatchdog()
	return true, nil
}

// Unlock 释放锁
func (l *FileLock) Unlock(ctx context.Context) error {
	close(l.stopCh)
	l.wg.Wait()

	if !l.held() {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Lost 锁丢失信号
func (l *FileLock) Lost() <-chan struct{} {
	return l.lost
}

func (l *FileLock) held() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var content lockFileContent
	if err := json.Unmarshal(data, &content); err != nil {
		return false
	}
	return content.Value == l.value
}

func (l *FileLock) startWatchdog() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				if !l.held() {
					logger.Warn("file lock lost", zap.String("path", l.path))
					l.lostOnce.Do(func() { close(l.lost) })
					return
				}
				now := time.Now()
				if err := os.Chtimes(l.path, now, now); err != nil {
					logger.Warn("refresh lock file failed", zap.String("path", l.path), zap.Error(err))
				}
			}
		}
	}()
}

// FileManager 文件锁工厂
type FileManager struct {
	dir       string
	ttl       time.Duration
	heartbeat time.Duration
}

// NewFileManager 创建文件锁工厂
func NewFileManager(dir string, ttl, heartbeat time.Duration) *FileManager {
	return &FileManager{dir: dir, ttl: ttl, heartbeat: heartbeat}
}

// RunLock 进程级运行锁
func (m *FileManager) RunLock() Lock {
	return NewFileLock(m.dir, "run", m.ttl, m.heartbeat)
}

// TableLock 表级锁
func (m *FileManager) TableLock(tableKey string) Lock {
	return NewFileLock(m.dir, "table-"+tableKey, m.ttl, m.heartbeat)
}

// JobLock 后台任务锁
func (m *FileManager) JobLock(jobName string) Lock {
	return NewFileLock(m.dir, "job-"+jobName, m.ttl, m.heartbeat)
}
