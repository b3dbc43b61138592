package page_pool

import (
	"sync"
	"sync/atomic"
	"time"

	gxsync "github.com/dubbogo/gost/sync"

	"github.com/zhukovaskychina/xpagepool/logger"
)

// DynamicPool 带延迟清零的动态页面池
//
// Returned runs land on a dirty-deferred list instead of going back to
// a bucket directly. A single background worker zeroes them in bounded
// batches through a temporary contiguous mapping and only then moves
// them to the clean side, keeping the zeroing cost off the drain path.
// The dirty list is split by memory kind so that reclaim can prefer
// the cheaper side.
type DynamicPool struct {
	*Pool

	deferredZero  bool
	zeroBatchRuns int
	zeroPasses    int
	zeroer        BulkZeroer

	taskPool      gxsync.GenericTaskPool
	ownTaskPool   bool
	workerStarted bool
	workerDone    chan struct{}

	// mu is the pool lock of the dynamic variant. It is released
	// across the map/zero/unmap phase so reclaim never waits on a
	// zeroing pass.
	mu      sync.Mutex
	cond    *sync.Cond
	closing bool

	dirtyLow   *Run
	dirtyHigh  *Run
	runsLow    int
	runsHigh   int
	dirtyPages int64

	// runs popped for zeroing but not yet clean or freed
	zeroing int32
}

// NewDynamicPool creates a dynamic pool. Worker startup is part of
// construction: when the worker cannot be started the pool is fully
// rolled back and an error returned.
func NewDynamicPool(cfg *DynamicPoolConfig) (*DynamicPool, error) {
	cfg.applyDefaults()

	pool, err := NewPool(&cfg.Pool)
	if err != nil {
		return nil, err
	}

	dp := &DynamicPool{
		Pool:          pool,
		deferredZero:  cfg.DeferredZero,
		zeroBatchRuns: cfg.ZeroBatchRuns,
		zeroPasses:    cfg.ZeroPasses,
		zeroer:        cfg.Zeroer,
		taskPool:      cfg.TaskPool,
		workerDone:    make(chan struct{}),
	}
	dp.cond = sync.NewCond(&dp.mu)
	if dp.taskPool == nil {
		dp.taskPool = gxsync.NewTaskPoolSimple(0)
		dp.ownTaskPool = true
	}

	if dp.deferredZero {
		if ok := dp.taskPool.AddTask(dp.workerLoop); !ok {
			if dp.ownTaskPool {
				dp.taskPool.Close()
			}
			pool.Destroy()
			return nil, NewError("new dynamic pool", ErrWorkerStart)
		}
		dp.workerStarted = true
	}

	registerDynamic(dp)
	return dp, nil
}

// Destroy signals the worker, joins it, releases all dirty runs and
// tears down the underlying pool.
func (dp *DynamicPool) Destroy() {
	unregisterDynamic(dp)

	dp.mu.Lock()
	alreadyClosing := dp.closing
	dp.closing = true
	dp.cond.Broadcast()
	dp.mu.Unlock()
	if alreadyClosing {
		return
	}

	if dp.workerStarted {
		<-dp.workerDone
	} else {
		// no worker to drain the dirty side, do it here
		dp.freeAllDirty()
	}
	if dp.ownTaskPool {
		dp.taskPool.Close()
	}
	dp.Pool.Destroy()
}

// DirtyPages returns the pages currently parked on the dirty-deferred
// lists.
func (dp *DynamicPool) DirtyPages() int64 {
	dp.mu.Lock()
	n := dp.dirtyPages
	dp.mu.Unlock()
	return n
}

// WaitIdle blocks until the worker has drained the dirty side and
// finished any in-flight batch, or the timeout expires.
func (dp *DynamicPool) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if dp.DirtyPages() == 0 && atomic.LoadInt32(&dp.zeroing) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// DrainIntoPool returns pages to the dynamic pool. With deferred
// zeroing enabled every poolable run is parked dirty and the worker is
// woken; classes without a bucket bypass the dirty list entirely.
func (dp *DynamicPool) DrainIntoPool(pages []PageID, caching CachingClass) {
	if !dp.deferredZero {
		dp.Pool.DrainIntoPool(pages, caching)
		return
	}
	if atomic.LoadInt32(&dp.closed) != 0 {
		logger.Errorf("drain into destroyed pool %s", dp.name)
		return
	}

	dirtied := false
	i := 0
	for i < len(pages) {
		run := dp.sidecar.remove(pages[i])
		if run == nil {
			logger.Errorf("pool %s: drain of unknown page %d", dp.name, pages[i])
			i++
			continue
		}
		if run.caching != caching {
			logger.Errorf("pool %s: drain caching mismatch, run %s caller %s",
				dp.name, run.caching, caching)
		}
		n := run.NumPages()
		if dp.selectBucket(run.caching, run.order) == nil {
			dp.alloc.freeRun(run)
		} else {
			dp.unmapStreaming(run)
			dp.pushDirty(run)
			dirtied = true
		}
		i += n
	}

	if dirtied {
		dp.cond.Signal()
	}
	trimToLimit(dp.stats)
}

// pushDirty parks a run on the dirty-deferred side.
func (dp *DynamicPool) pushDirty(run *Run) {
	dp.mu.Lock()
	run.state = runDirtyDeferred
	if run.highmem {
		run.next = dp.dirtyHigh
		dp.dirtyHigh = run
		dp.runsHigh++
	} else {
		run.next = dp.dirtyLow
		dp.dirtyLow = run
		dp.runsLow++
	}
	dp.dirtyPages += int64(run.NumPages())
	dp.mu.Unlock()

	addGlobalPages(run.NumPages())
}

// popDirtyLocked removes one dirty run, preferring low memory when
// asked (shrink outside background reclaim discards it first).
func (dp *DynamicPool) popDirtyLocked(preferLow bool) *Run {
	pop := func(head **Run, count *int) *Run {
		r := *head
		if r == nil {
			return nil
		}
		*head = r.next
		*count--
		r.next = nil
		dp.dirtyPages -= int64(r.NumPages())
		return r
	}

	var r *Run
	if preferLow {
		if r = pop(&dp.dirtyLow, &dp.runsLow); r == nil {
			r = pop(&dp.dirtyHigh, &dp.runsHigh)
		}
	} else {
		if r = pop(&dp.dirtyHigh, &dp.runsHigh); r == nil {
			r = pop(&dp.dirtyLow, &dp.runsLow)
		}
	}
	if r != nil {
		r.state = runOwnedByCaller
		addGlobalPages(-r.NumPages())
	}
	return r
}

// takeDirtyLocked pops up to max dirty runs for one zeroing batch.
func (dp *DynamicPool) takeDirtyLocked(max int) []*Run {
	var batch []*Run
	for len(batch) < max {
		r := dp.popDirtyLocked(false)
		if r == nil {
			break
		}
		batch = append(batch, r)
	}
	return batch
}

// workerLoop is the deferred-clean worker. It sleeps on the dirty
// condition, then drains in bounded passes with the pool lock dropped
// across the zeroing step.
func (dp *DynamicPool) workerLoop() {
	defer close(dp.workerDone)
	for {
		dp.mu.Lock()
		for !dp.closing && dp.dirtyPages == 0 {
			dp.cond.Wait()
		}
		if dp.closing {
			dp.mu.Unlock()
			dp.freeAllDirty()
			return
		}
		dp.mu.Unlock()

		for pass := 0; pass < dp.zeroPasses; pass++ {
			dp.mu.Lock()
			batch := dp.takeDirtyLocked(dp.zeroBatchRuns)
			// counted before the lock drops, so the batch is never
			// invisible to WaitIdle between the dirty and clean sides
			atomic.AddInt32(&dp.zeroing, int32(len(batch)))
			dp.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			err := dp.zeroer.ZeroRuns(batch)
			if err != nil {
				logger.Errorf("pool %s: zeroing batch of %d runs failed: %v",
					dp.name, len(batch), err)
				for _, r := range batch {
					dp.alloc.freeRun(r)
				}
				atomic.AddInt32(&dp.zeroing, -int32(len(batch)))
				continue
			}

			pages := 0
			for _, r := range batch {
				pages += r.NumPages()
				bkt := dp.selectBucket(r.caching, r.order)
				if bkt == nil {
					dp.alloc.freeRun(r)
					continue
				}
				bkt.Add(r)
			}
			dp.stats.RecordZeroed(len(batch), pages)
			atomic.AddInt32(&dp.zeroing, -int32(len(batch)))
		}
	}
}

// freeAllDirty releases whatever is still parked dirty.
func (dp *DynamicPool) freeAllDirty() {
	dp.mu.Lock()
	var runs []*Run
	for {
		r := dp.popDirtyLocked(true)
		if r == nil {
			break
		}
		runs = append(runs, r)
	}
	dp.mu.Unlock()

	for _, r := range runs {
		dp.alloc.freeRun(r)
	}
}

// ReclaimDirty frees up to nrPages base pages straight off the dirty
// lists. Dirty runs are discardable without zeroing, so the reclaim
// participant prefers them over clean bucket contents. Outside
// background reclaim low memory goes first.
func (dp *DynamicPool) ReclaimDirty(nrPages int64, background bool) int64 {
	dp.mu.Lock()
	var runs []*Run
	var freed int64
	for freed < nrPages {
		r := dp.popDirtyLocked(!background)
		if r == nil {
			break
		}
		runs = append(runs, r)
		freed += int64(r.NumPages())
	}
	dp.mu.Unlock()

	for _, r := range runs {
		n := r.NumPages()
		dp.alloc.freeRun(r)
		dp.stats.RecordReclaim(n)
	}
	return freed
}
