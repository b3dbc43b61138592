package page_pool

import (
	"github.com/zhukovaskychina/xpagepool/latch"
	"github.com/zhukovaskychina/xpagepool/logger"
)

// FreeCallback releases a run to its underlying allocator. It may
// sleep (DMA unmap) and is never invoked with the bucket latch held.
type FreeCallback func(*Run)

// Bucket 同一(caching, order, zone)类别下干净run的缓存队列
//
// Runs are kept on an intrusive LIFO stack through their embedded next
// link, so reuse favors the most recently returned run. The latch is a
// leaf lock covering only the list head and the count.
type Bucket struct {
	caching CachingClass
	order   uint8
	zone    Zone

	lk    *latch.Latch
	head  *Run
	count int

	free FreeCallback

	// registry linkage, written only under the registry lock
	regElem *registryElem
}

// NewBucket creates a bucket for one (caching, order, zone) class and
// joins it to the registry for round-robin reclamation.
func NewBucket(reg *Registry, caching CachingClass, order uint8, zone Zone, free FreeCallback) *Bucket {
	b := &Bucket{
		caching: caching,
		order:   order,
		zone:    zone,
		lk:      latch.NewLatch(),
		free:    free,
	}
	reg.Join(b)
	return b
}

// Caching returns the caching class every run in the bucket carries.
func (b *Bucket) Caching() CachingClass { return b.caching }

// Order returns the order every run in the bucket carries.
func (b *Bucket) Order() uint8 { return b.order }

// Zone returns the memory zone of the bucket.
func (b *Bucket) Zone() Zone { return b.zone }

// Add 将一个干净的run放入桶中，调用方保证run已清零且缓存属性匹配
//
// Add cannot fail: the run links in through its own next field.
func (b *Bucket) Add(r *Run) {
	if r.order != b.order || r.caching != b.caching {
		// 编程错误，仅作诊断，不尝试修复
		logger.Errorf("bucket add mismatch: run order=%d caching=%s into bucket order=%d caching=%s",
			r.order, r.caching, b.order, b.caching)
	}
	b.lk.Lock()
	r.state = runCleanInBucket
	r.next = b.head
	b.head = r
	b.count++
	b.lk.Unlock()

	addGlobalPages(r.NumPages())
}

// Remove 取出一个run，桶为空时返回nil
func (b *Bucket) Remove() *Run {
	b.lk.Lock()
	r := b.head
	if r == nil {
		b.lk.Unlock()
		return nil
	}
	b.head = r.next
	b.count--
	b.lk.Unlock()

	r.next = nil
	r.state = runOwnedByCaller
	addGlobalPages(-r.NumPages())
	return r
}

// Size 返回桶内run数量
func (b *Bucket) Size() int {
	b.lk.Lock()
	n := b.count
	b.lk.Unlock()
	return n
}

// drain pops every run and hands it to the free callback. The latch is
// dropped across each callback because freeing may sleep or reenter
// the registry.
func (b *Bucket) drain() {
	for {
		r := b.Remove()
		if r == nil {
			return
		}
		b.free(r)
	}
}

// Destroy unlinks the bucket from the registry, then releases every
// pooled run to the underlying allocator.
func (b *Bucket) Destroy(reg *Registry) {
	reg.Leave(b)
	b.drain()
}
