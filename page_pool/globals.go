package page_pool

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zhukovaskychina/xpagepool/logger"
)

// Process-wide state: the registry, the page counter consulted by the
// reclaim participant, and the four shared bucket arrays
// (write-combined/uncached crossed with normal/dma32). Pools that do
// not allocate through the coherent DMA path share these buckets.
var (
	mgrMu       sync.Mutex
	initialized bool

	globalRegistry *Registry
	globalShrinker *Shrinker
	globalHost     HostAllocator

	// atomic, updated outside any lock on each bucket add/remove
	globalPages    int64
	maxPooledPages int64

	// [caching!=cached][zone][order]
	globalWC      [zones][MaxOrder]*Bucket
	globalUC      [zones][MaxOrder]*Bucket
	globalCleanup int64 // reclaim invocations since Init, for inspection
)

// Init brings up the subsystem: the empty registry, the shrinker and
// the 4 x MaxOrder shared buckets backed by host. maxPooled caps the
// total pages held across all buckets, 0 disables the synchronous trim.
func Init(host HostAllocator, maxPooled int64) error {
	mgrMu.Lock()
	defer mgrMu.Unlock()

	if initialized {
		return NewError("init", ErrInvalidConfig)
	}
	if host == nil {
		return NewError("init", ErrInvalidConfig)
	}

	globalRegistry = NewRegistry()
	globalShrinker = newShrinker()
	globalHost = host
	atomic.StoreInt64(&globalPages, 0)
	atomic.StoreInt64(&maxPooledPages, maxPooled)
	atomic.StoreInt64(&globalCleanup, 0)

	free := func(r *Run) {
		freeHostRun(host, r)
	}
	for zone := Zone(0); zone < zones; zone++ {
		for order := uint8(0); order < MaxOrder; order++ {
			globalWC[zone][order] = NewBucket(globalRegistry, CachingWriteCombined, order, zone, free)
			globalUC[zone][order] = NewBucket(globalRegistry, CachingUncached, order, zone, free)
		}
	}

	initialized = true
	logger.Infof("page pool initialized, max pooled pages %d", maxPooled)
	return nil
}

// Teardown drains and destroys the shared buckets and asserts that no
// pool left its buckets behind.
func Teardown() {
	mgrMu.Lock()
	defer mgrMu.Unlock()

	if !initialized {
		return
	}

	for zone := Zone(0); zone < zones; zone++ {
		for order := uint8(0); order < MaxOrder; order++ {
			globalWC[zone][order].Destroy(globalRegistry)
			globalUC[zone][order].Destroy(globalRegistry)
			globalWC[zone][order] = nil
			globalUC[zone][order] = nil
		}
	}

	if n := globalRegistry.Len(); n != 0 {
		// 泄漏的池，只记录诊断
		logger.Errorf("page pool teardown: %d buckets still registered", n)
	}
	if n := atomic.LoadInt64(&globalPages); n != 0 {
		logger.Errorf("page pool teardown: counter still reports %d pages", n)
	}

	globalRegistry = nil
	globalShrinker = nil
	globalHost = nil
	initialized = false
	logger.Info("page pool torn down")
}

// Initialized reports whether Init has completed.
func Initialized() bool {
	mgrMu.Lock()
	defer mgrMu.Unlock()
	return initialized
}

// GlobalPages returns the pages currently held across all buckets.
// The value is a snapshot and may race with in-flight add/remove.
func GlobalPages() int64 {
	return atomic.LoadInt64(&globalPages)
}

// MaxPooledPages returns the configured cap.
func MaxPooledPages() int64 {
	return atomic.LoadInt64(&maxPooledPages)
}

// SetMaxPooledPages adjusts the cap at runtime. 0 disables trimming.
func SetMaxPooledPages(n int64) {
	atomic.StoreInt64(&maxPooledPages, n)
}

// ReclaimInvocations returns how many successful round-robin
// reclaims ran since Init.
func ReclaimInvocations() int64 {
	return atomic.LoadInt64(&globalCleanup)
}

func addGlobalPages(n int) {
	atomic.AddInt64(&globalPages, int64(n))
}

// globalBucketFor returns the shared bucket for a caching class that
// has one, nil for cached pages which are never pooled globally.
func globalBucketFor(caching CachingClass, zone Zone, order uint8) *Bucket {
	switch caching {
	case CachingWriteCombined:
		return globalWC[zone][order]
	case CachingUncached:
		return globalUC[zone][order]
	}
	return nil
}

// trimToLimit synchronously evicts runs round-robin until the counter
// falls back under the cap. Runs after every successful drain.
func trimToLimit(stats *PoolStats) {
	limit := atomic.LoadInt64(&maxPooledPages)
	if limit <= 0 {
		return
	}
	misses := 0
	for atomic.LoadInt64(&globalPages) > limit {
		freed := globalRegistry.ReclaimOne()
		if freed == 0 {
			// a full fruitless rotation means the excess is held up by
			// in-flight or dirty-deferred pages, nothing left to trim
			misses++
			if misses >= globalRegistry.Len() {
				return
			}
			continue
		}
		misses = 0
		atomic.AddInt64(&globalCleanup, 1)
		if stats != nil {
			stats.RecordReclaim(freed)
		}
	}
}

// OrderCount 单个(caching, zone, order)类别的缓存页面计数
type OrderCount struct {
	Caching CachingClass
	Zone    Zone
	Order   uint8
	Runs    int
	Pages   int
}

// SnapshotOrders returns per-bucket counts of the shared buckets for
// inspection and the demo binaries.
func SnapshotOrders() []OrderCount {
	mgrMu.Lock()
	defer mgrMu.Unlock()
	if !initialized {
		return nil
	}

	var out []OrderCount
	for zone := Zone(0); zone < zones; zone++ {
		for order := uint8(0); order < MaxOrder; order++ {
			for _, b := range [2]*Bucket{globalWC[zone][order], globalUC[zone][order]} {
				n := b.Size()
				if n == 0 {
					continue
				}
				out = append(out, OrderCount{
					Caching: b.Caching(),
					Zone:    zone,
					Order:   order,
					Runs:    n,
					Pages:   n << order,
				})
			}
		}
	}
	return out
}

// DumpState writes a per-bucket table of the shared pools.
func DumpState(w io.Writer) {
	fmt.Fprintf(w, "pooled pages %d, cap %d\n", GlobalPages(), MaxPooledPages())
	fmt.Fprintf(w, "%-8s %-8s %-6s %-6s %-8s\n", "caching", "zone", "order", "runs", "pages")
	for _, oc := range SnapshotOrders() {
		fmt.Fprintf(w, "%-8s %-8s %-6d %-6d %-8d\n", oc.Caching, oc.Zone, oc.Order, oc.Runs, oc.Pages)
	}
}
