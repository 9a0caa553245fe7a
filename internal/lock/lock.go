// Package lock 提供运行级与表级互斥锁。
// redis 后端用于多主机部署，file 后端用于单机。
package lock

import "context"

// Lock 互斥锁。持有期间实现负责自动续期，
// 续期连续失败时关闭 Lost 通道，持有方必须中止当前批次。
type Lock interface {
	// TryLock 非阻塞获取。已被他人持有返回 false。
	TryLock(ctx context.Context) (bool, error)
	// Unlock 释放锁。只释放自己持有的锁。
	Unlock(ctx context.Context) error
	// Lost 锁丢失信号
	Lost() <-chan struct{}
}

// Manager 锁工厂
type Manager interface {
	// RunLock 进程级运行锁
	RunLock() Lock
	// TableLock 表级锁
	TableLock(tableKey string) Lock
	// JobLock 后台任务锁
	JobLock(jobName string) Lock
}
