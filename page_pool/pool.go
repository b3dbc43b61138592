package page_pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xpagepool/logger"
	"github.com/zhukovaskychina/xpagepool/util"
)

// PopulateRequest 一次页面填充请求
type PopulateRequest struct {
	NumPages int
	Caching  CachingClass

	// DMAAddrs, when non-nil, receives the per-page device address of
	// every delivered page. Must hold at least NumPages entries.
	DMAAddrs []uint64

	Zero      bool // request zero-initialized fresh runs
	AllowFail bool // fail fast instead of retrying hard
	Highmem   bool // high memory acceptable
}

// Pool 按调用方划分的页面池门面
//
// A pool either owns private buckets for every caching class (coherent
// DMA mode) or deposits into the process-wide shared buckets. Populate
// serves requests from the buckets first and falls back to the
// allocator adapter with decreasing order; DrainIntoPool is the
// inverse.
type Pool struct {
	name string

	host  HostAllocator
	dev   DMADevice
	attrs AttributeSetter

	useDMAAlloc bool
	useDMA32    bool

	alloc   runAllocator
	buckets [cachingClasses][MaxOrder]*Bucket // private, only with UseDMAAlloc

	sidecar *runSidecar
	stats   *PoolStats
	closed  int32
}

// NewPool creates a pool façade. The subsystem must be initialized
// first since even private buckets join the shared registry.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if !Initialized() {
		return nil, NewError("new pool", ErrNotInitialized)
	}
	if err := cfg.validate(); err != nil {
		return nil, errors.Trace(err)
	}

	p := &Pool{
		name:        cfg.Name,
		host:        cfg.Host,
		dev:         cfg.Device,
		attrs:       cfg.attrs(),
		useDMAAlloc: cfg.UseDMAAlloc,
		useDMA32:    cfg.UseDMA32,
		sidecar:     newRunSidecar(),
		stats:       NewPoolStats(),
	}
	if p.useDMAAlloc {
		p.alloc = &dmaRunAllocator{dev: cfg.Device}
		for caching := CachingClass(0); caching < cachingClasses; caching++ {
			for order := uint8(0); order < MaxOrder; order++ {
				p.buckets[caching][order] = NewBucket(globalRegistry, caching, order, ZoneNormal, p.alloc.freeRun)
			}
		}
	} else {
		p.alloc = &pageRunAllocator{host: cfg.Host, dev: cfg.Device}
	}
	return p, nil
}

// Name returns the pool's configured name.
func (p *Pool) Name() string { return p.name }

// Stats returns the pool's counters.
func (p *Pool) Stats() *PoolStats { return p.stats }

// Destroy tears the pool down. Private buckets leave the registry and
// release their runs; pages still owned by callers are diagnosed.
func (p *Pool) Destroy() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	if p.useDMAAlloc {
		for caching := CachingClass(0); caching < cachingClasses; caching++ {
			for order := uint8(0); order < MaxOrder; order++ {
				p.buckets[caching][order].Destroy(globalRegistry)
			}
		}
	}
	if n := p.sidecar.size(); n != 0 {
		logger.Errorf("pool %s destroyed with %d runs still owned by callers", p.name, n)
	}
}

// effectiveZone 无DMA分配时dma32标志改走dma32共享桶
func (p *Pool) effectiveZone() Zone {
	if p.useDMA32 && !p.useDMAAlloc {
		return ZoneDMA32
	}
	return ZoneNormal
}

// selectBucket picks the bucket serving (caching, order) for this
// pool, nil when the class is not pooled and the allocator adapter
// must be hit directly. Coherent DMA pools pool every class in their
// private buckets. Other pools never pool cached pages, and pool nothing
// on targets without native attribute reprogramming.
func (p *Pool) selectBucket(caching CachingClass, order uint8) *Bucket {
	if p.useDMAAlloc {
		return p.buckets[caching][order]
	}
	if caching == CachingCached || !p.attrs.Native() {
		return nil
	}
	return globalBucketFor(caching, p.effectiveZone(), order)
}

// acquired 记录本次populate已取得的run及其来源
type acquired struct {
	run        *Run
	fromBucket *Bucket
}

// Populate hands out exactly req.NumPages base pages into out, largest
// fitting order first. On any failure every acquired run is rolled
// back: bucket hits return to their bucket, fresh runs go back to the
// allocator, and the global counter is left at its pre-call value.
// The exception is a pooled run whose DMA remapping is refused: it is
// freed instead of returned, so that failure lowers the counter by the
// run's pages.
func (p *Pool) Populate(ctx context.Context, req *PopulateRequest, out []PageID) error {
	if atomic.LoadInt32(&p.closed) != 0 {
		return NewError("populate", ErrPoolClosed)
	}
	if req.NumPages <= 0 || len(out) < req.NumPages ||
		(req.DMAAddrs != nil && len(req.DMAAddrs) < req.NumPages) {
		return NewError("populate", ErrInvalidConfig)
	}

	var got []acquired
	stage := newCachingStage(p.attrs)
	idx := 0
	remaining := req.NumPages

	fail := func(err error) error {
		p.rollback(got)
		p.stats.RecordPopulateFailure()
		return NewError("populate", err)
	}

	for remaining > 0 {
		// 挂起的取消信号在下一次分配前生效
		if ctx.Err() != nil {
			return fail(ErrInterrupted)
		}
		// 每轮迭代都按剩余数量重新选取最大可用阶
		order := util.FloorLog2(remaining)
		if order > MaxOrder-1 {
			order = MaxOrder - 1
		}

		var run *Run
		var from *Bucket
		for {
			bkt := p.selectBucket(req.Caching, order)
			if bkt != nil {
				run = bkt.Remove()
				p.stats.RecordLookup(run != nil)
				if run != nil {
					from = bkt
					break
				}
			}
			if ctx.Err() != nil {
				return fail(ErrInterrupted)
			}
			var err error
			run, err = p.alloc.allocRun(order, req.Caching, AllocFlags{
				AllowFail: req.AllowFail,
				Zero:      req.Zero,
				Zone:      p.effectiveZone(),
				Highmem:   req.Highmem,
				NoWarn:    order > 0,
			})
			if err != nil {
				if IsMappingFailed(err) {
					p.stats.RecordMappingFailure()
					return fail(err)
				}
				if order > 0 {
					// 降阶重试同样的剩余数量，降阶只在本轮内生效
					order--
					continue
				}
				return fail(fmt.Errorf("%w: %v", ErrOutOfMemory, err))
			}
			p.stats.RecordFreshAlloc()
			break
		}

		if from != nil {
			if err := p.remapPooled(run); err != nil {
				p.stats.RecordMappingFailure()
				return fail(err)
			}
			if run.highmem {
				// high memory is remapped on each handout, its
				// attributes must be applied again
				run.caching = CachingCached
				if err := stage.stage(run, req.Caching); err != nil {
					got = append(got, acquired{run: run, fromBucket: from})
					return fail(err)
				}
			}
		} else {
			if err := stage.stage(run, req.Caching); err != nil {
				p.alloc.freeRun(run)
				return fail(err)
			}
		}

		got = append(got, acquired{run: run, fromBucket: from})
		n := run.NumPages()
		for i := 0; i < n; i++ {
			out[idx+i] = run.PageAt(i)
			if req.DMAAddrs != nil {
				if run.dmaAddr != 0 {
					req.DMAAddrs[idx+i] = run.dmaAddr + uint64(i)*PageSize
				} else {
					req.DMAAddrs[idx+i] = 0
				}
			}
		}
		p.sidecar.insert(run)
		idx += n
		remaining -= n
	}

	if err := stage.flush(); err != nil {
		return fail(err)
	}
	return nil
}

// remapPooled re-establishes the streaming DMA mapping of a pooled run
// for pools that map on handout. Pooled runs are kept unmapped.
func (p *Pool) remapPooled(run *Run) error {
	if p.useDMAAlloc || p.dev == nil {
		return nil
	}
	dmaAddr, err := p.dev.Map(run.base, run.Bytes(), DMABidirectional)
	if err != nil {
		p.alloc.freeRun(run)
		return errors.Annotatef(ErrMappingFailed, "remap order %d: %v", run.order, err)
	}
	run.dmaAddr = dmaAddr
	return nil
}

// rollback undoes a partial populate in reverse order. Bucket hits are
// deposited back so the pool does not shrink on a caller failure, and
// fresh runs are released to the allocator so it does not grow either.
func (p *Pool) rollback(got []acquired) {
	for i := len(got) - 1; i >= 0; i-- {
		a := got[i]
		p.sidecar.remove(a.run.base)
		if a.fromBucket != nil {
			p.unmapStreaming(a.run)
			a.run.caching = a.fromBucket.Caching()
			a.fromBucket.Add(a.run)
		} else {
			p.alloc.freeRun(a.run)
		}
	}
}

// unmapStreaming drops a per-handout mapping before a run reenters a
// shared bucket.
func (p *Pool) unmapStreaming(run *Run) {
	if p.useDMAAlloc || p.dev == nil || run.dmaAddr == 0 {
		return
	}
	p.dev.Unmap(run.dmaAddr, run.Bytes(), DMABidirectional)
	run.dmaAddr = 0
}

// DrainIntoPool returns pages one run at a time. Runs are identified
// through the sidecar by their first page; each goes back to its
// matching bucket, or straight to the allocator when no bucket serves
// its class. A successful drain then trims the pool back under the
// configured cap.
func (p *Pool) DrainIntoPool(pages []PageID, caching CachingClass) {
	if atomic.LoadInt32(&p.closed) != 0 {
		logger.Errorf("drain into destroyed pool %s", p.name)
		return
	}
	i := 0
	for i < len(pages) {
		run := p.sidecar.remove(pages[i])
		if run == nil {
			// 重复释放或不属于本池的页面
			logger.Errorf("pool %s: drain of unknown page %d", p.name, pages[i])
			i++
			continue
		}
		if run.caching != caching {
			logger.Errorf("pool %s: drain caching mismatch, run %s caller %s",
				p.name, run.caching, caching)
		}
		p.putRun(run)
		i += run.NumPages()
	}
	trimToLimit(p.stats)
}

// putRun deposits one returned run into its bucket or frees it.
func (p *Pool) putRun(run *Run) {
	bkt := p.selectBucket(run.caching, run.order)
	if bkt == nil {
		p.alloc.freeRun(run)
		return
	}
	p.unmapStreaming(run)
	bkt.Add(run)
	p.stats.RecordPooled()
}
