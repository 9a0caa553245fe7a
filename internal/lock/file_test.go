package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	m := NewFileManager(dir, time.Minute, time.Second)

	first := m.RunLock()
	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	second := m.RunLock()
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	require.NoError(t, first.Unlock(ctx))

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "lock acquirable after release")
	require.NoError(t, second.Unlock(ctx))
}

func TestFileLockStaleTakeover(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewFileLock(dir, "run", 50*time.Millisecond, 10*time.Millisecond)
	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	// 模拟持有者崩溃: watchdog 停止, 锁文件留存且不再刷新
	close(first.stopCh)
	first.wg.Wait()

	time.Sleep(80 * time.Millisecond)

	second := NewFileLock(dir, "run", 50*time.Millisecond, time.Minute)
	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "stale lock must be taken over")
	require.NoError(t, second.Unlock(ctx))
}

func TestFileLockLostSignal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l := NewFileLock(dir, "run", time.Minute, 10*time.Millisecond)
	ok, err := l.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 外部删除锁文件, 持有方必须收到丢失信号
	require.NoError(t, os.Remove(l.path))

	select {
	case <-l.Lost():
	case <-time.After(time.Second):
		t.Fatal("lost signal not delivered")
	}
}

func TestFileLockUnlockOnlyOwn(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewFileLock(dir, "run", time.Minute, time.Minute)
	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// 另一个实例未持有, Unlock 不得删除他人的锁
	second := NewFileLock(dir, "run", time.Minute, time.Minute)
	require.NoError(t, second.Unlock(ctx))

	third := NewFileLock(dir, "run", time.Minute, time.Minute)
	ok, err = third.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock still held by first")

	require.NoError(t, first.Unlock(ctx))
}
