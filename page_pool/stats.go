package page_pool

import (
	"sync/atomic"
	"time"
)

// PoolStats 页面池统计信息
type PoolStats struct {
	// 命中统计
	BucketHits   int64
	BucketMisses int64
	FreshAllocs  int64

	// 回收统计
	RunsPooled     int64
	RunsReclaimed  int64
	PagesReclaimed int64

	// 清零统计
	RunsZeroed  int64
	PagesZeroed int64

	// 失败统计
	PopulateFailures int64
	MappingFailures  int64

	LastResetTime time.Time
}

// NewPoolStats 创建新的统计对象
func NewPoolStats() *PoolStats {
	return &PoolStats{
		LastResetTime: time.Now(),
	}
}

// RecordLookup 记录一次桶查找
func (s *PoolStats) RecordLookup(hit bool) {
	if hit {
		atomic.AddInt64(&s.BucketHits, 1)
	} else {
		atomic.AddInt64(&s.BucketMisses, 1)
	}
}

// RecordFreshAlloc 记录一次底层分配
func (s *PoolStats) RecordFreshAlloc() {
	atomic.AddInt64(&s.FreshAllocs, 1)
}

// RecordPooled 记录一个run回到桶中
func (s *PoolStats) RecordPooled() {
	atomic.AddInt64(&s.RunsPooled, 1)
}

// RecordReclaim 记录一次回收
func (s *PoolStats) RecordReclaim(pages int) {
	atomic.AddInt64(&s.RunsReclaimed, 1)
	atomic.AddInt64(&s.PagesReclaimed, int64(pages))
}

// RecordZeroed 记录后台清零进度
func (s *PoolStats) RecordZeroed(runs, pages int) {
	atomic.AddInt64(&s.RunsZeroed, int64(runs))
	atomic.AddInt64(&s.PagesZeroed, int64(pages))
}

// RecordPopulateFailure 记录一次填充失败
func (s *PoolStats) RecordPopulateFailure() {
	atomic.AddInt64(&s.PopulateFailures, 1)
}

// RecordMappingFailure 记录一次DMA映射失败
func (s *PoolStats) RecordMappingFailure() {
	atomic.AddInt64(&s.MappingFailures, 1)
}

// GetHitRatio 获取桶命中率
func (s *PoolStats) GetHitRatio() float64 {
	hits := atomic.LoadInt64(&s.BucketHits)
	total := hits + atomic.LoadInt64(&s.BucketMisses)
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Snapshot 返回当前计数的快照，各字段分别原子读取，彼此之间不保证一致
func (s *PoolStats) Snapshot() PoolStats {
	return PoolStats{
		BucketHits:       atomic.LoadInt64(&s.BucketHits),
		BucketMisses:     atomic.LoadInt64(&s.BucketMisses),
		FreshAllocs:      atomic.LoadInt64(&s.FreshAllocs),
		RunsPooled:       atomic.LoadInt64(&s.RunsPooled),
		RunsReclaimed:    atomic.LoadInt64(&s.RunsReclaimed),
		PagesReclaimed:   atomic.LoadInt64(&s.PagesReclaimed),
		RunsZeroed:       atomic.LoadInt64(&s.RunsZeroed),
		PagesZeroed:      atomic.LoadInt64(&s.PagesZeroed),
		PopulateFailures: atomic.LoadInt64(&s.PopulateFailures),
		MappingFailures:  atomic.LoadInt64(&s.MappingFailures),
		LastResetTime:    s.LastResetTime,
	}
}
