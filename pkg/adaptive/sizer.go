// Package adaptive 根据抓取耗时自适应调整批次大小。
package adaptive

import (
	"sync"
	"time"
)

// Config 自适应批次配置
type Config struct {
	// InitialSize 初始批次大小
	InitialSize int
	// MinSize / MaxSize 批次大小边界
	MinSize int
	MaxSize int
	// TargetDuration 目标抓取耗时窗口中点
	TargetDuration time.Duration
	// FloorDuration 耗时下限，低于此值不再加速调整
	FloorDuration time.Duration
	// AvgRowBytes 行大小估算，用于内存上限压制
	AvgRowBytes int64
	// MemoryCapBytes 单批次内存估算上限，0 表示不限制
	MemoryCapBytes int64
}

// DefaultConfig 默认配置: 目标 2s, 边界 [1000, 50000]
func DefaultConfig() Config {
	return Config{
		InitialSize:    10000,
		MinSize:        1000,
		MaxSize:        50000,
		TargetDuration: 2 * time.Second,
		FloorDuration:  100 * time.Millisecond,
	}
}

// Sizer 自适应批次大小计算器
//
// 抓取耗时低于目标下限 (目标的一半) 时放大 1.5 倍，高于目标上限 (目标的两倍)
// 时缩小 0.5 倍，始终压制在 [MinSize, MaxSize] 与内存估算上限之内。
type Sizer struct {
	cfg Config

	mu      sync.Mutex
	size    int
	clamped bool
}

// NewSizer 创建批次大小计算器
func NewSizer(cfg Config) *Sizer {
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = DefaultConfig().InitialSize
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = DefaultConfig().MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.TargetDuration <= 0 {
		cfg.TargetDuration = DefaultConfig().TargetDuration
	}
	if cfg.FloorDuration <= 0 {
		cfg.FloorDuration = DefaultConfig().FloorDuration
	}
	s := &Sizer{cfg: cfg}
	s.size = s.clamp(cfg.InitialSize)
	return s
}

// Size 当前批次大小
func (s *Sizer) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Clamped 最近一次调整是否被边界压制
func (s *Sizer) Clamped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clamped
}

// Record 记录一次抓取耗时并调整批次大小
func (s *Sizer) Record(fetchTime time.Duration, fetched int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fetched <= 0 {
		return
	}
	if fetchTime < s.cfg.FloorDuration {
		fetchTime = s.cfg.FloorDuration
	}

	next := s.size
	switch {
	case fetchTime < s.cfg.TargetDuration/2:
		next = s.size * 3 / 2
	case fetchTime > s.cfg.TargetDuration*2:
		next = s.size / 2
	}

	clamped := s.clamp(next)
	s.clamped = clamped != next
	s.size = clamped
}

// Reset 重置为初始大小
func (s *Sizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = s.clamp(s.cfg.InitialSize)
	s.clamped = false
}

// clamp 压制到边界与内存上限
func (s *Sizer) clamp(n int) int {
	if n < s.cfg.MinSize {
		n = s.cfg.MinSize
	}
	if n > s.cfg.MaxSize {
		n = s.cfg.MaxSize
	}
	// 内存估算: batch_size × avg_row_bytes × 2 (原始行 + 序列化副本)
	if s.cfg.MemoryCapBytes > 0 && s.cfg.AvgRowBytes > 0 {
		maxByMem := int(s.cfg.MemoryCapBytes / (s.cfg.AvgRowBytes * 2))
		if maxByMem < s.cfg.MinSize {
			maxByMem = s.cfg.MinSize
		}
		if n > maxByMem {
			n = maxByMem
		}
	}
	return n
}
