package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-archiver/internal/metrics"
	"github.com/eidos-exchange/eidos-archiver/pkg/logger"
)

const lockPrefix = "eidos:archiver:lock:"

// maxRenewFailures 连续续期失败该次数后判定锁丢失
const maxRenewFailures = 3

var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

var renewScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// RedisLock 基于 SET NX 的分布式锁，watchdog 按心跳间隔续期
type RedisLock struct {
	client    redis.UniversalClient
	key       string
	value     string
	ttl       time.Duration
	heartbeat time.Duration

	lost     chan struct{}
	lostOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewRedisLock 创建锁。value 含唯一标识，确保只释放自己持有的锁。
func NewRedisLock(client redis.UniversalClient, name string, ttl, heartbeat time.Duration) *RedisLock {
	return &RedisLock{
		client:    client,
		key:       lockPrefix + name,
		value:     uuid.NewString(),
		ttl:       ttl,
		heartbeat: heartbeat,
		lost:      make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// TryLock 尝试获取锁
func (l *RedisLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if ok {
		metrics.LockAcquisitionsTotal.WithLabelValues(l.key, "acquired").Inc()
		l.startWatchdog()
	} else {
		metrics.LockAcquisitionsTotal.WithLabelValues(l.key, "contended").Inc()
	}
	return ok, nil
}

// Unlock 释放锁
func (l *RedisLock) Unlock(ctx context.Context) error {
	close(l.stopCh)
	l.wg.Wait()

	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Lost 锁丢失信号
func (l *RedisLock) Lost() <-chan struct{} {
	return l.lost
}

// startWatchdog 按心跳间隔续期
func (l *RedisLock) startWatchdog() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.heartbeat)
		defer ticker.Stop()

		failures := 0
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				if err := l.renew(); err != nil {
					failures++
					logger.Warn("lock renew failed",
						zap.String("key", l.key), zap.Int("failures", failures), zap.Error(err))
					if failures >= maxRenewFailures {
						metrics.LockAcquisitionsTotal.WithLabelValues(l.key, "lost").Inc()
						l.lostOnce.Do(func() { close(l.lost) })
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()
}

func (l *RedisLock) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := renewScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if n, ok := result.(int64); !ok || n == 0 {
		return fmt.Errorf("lock not held")
	}
	return nil
}

// RedisManager redis 锁工厂
type RedisManager struct {
	client    redis.UniversalClient
	ttl       time.Duration
	heartbeat time.Duration
}

// NewRedisManager 创建 redis 锁工厂
func NewRedisManager(client redis.UniversalClient, ttl, heartbeat time.Duration) *RedisManager {
	return &RedisManager{client: client, ttl: ttl, heartbeat: heartbeat}
}

// RunLock 进程级运行锁
func (m *RedisManager) RunLock() Lock {
	return NewRedisLock(m.client, "run", m.ttl, m.heartbeat)
}

// TableLock 表级锁
func (m *RedisManager) TableLock(tableKey string) Lock {
	return NewRedisLock(m.client, "table:"+tableKey, m.ttl, m.heartbeat)
}

// JobLock 后台任务锁
func (m *RedisManager) JobLock(jobName string) Lock {
	return NewRedisLock(m.client, "job:"+jobName, m.ttl, m.heartbeat)
}
