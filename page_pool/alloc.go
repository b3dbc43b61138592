package page_pool

import (
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xpagepool/logger"
)

// AllocFlags qualifies a request against the host page allocator.
type AllocFlags struct {
	AllowFail bool // fail fast instead of retrying hard
	Zero      bool // return zero-initialized memory
	Zone      Zone
	Highmem   bool // high memory acceptable
	NoWarn    bool // suppress host-side failure warnings
}

// HostAllocator 环境提供的页面分配器
//
// AllocPages returns an aligned run of 2^order base pages together
// with its CPU mapping. FreePages is infallible.
type HostAllocator interface {
	AllocPages(order uint8, flags AllocFlags) (PageID, []byte, error)
	FreePages(base PageID, order uint8)
}

// DMADirection DMA映射方向
type DMADirection uint8

const (
	DMABidirectional DMADirection = iota
	DMAToDevice
	DMAFromDevice
)

// DMAAttrs qualifies a coherent DMA allocation.
type DMAAttrs struct {
	ForceContiguous bool
	NoWarn          bool
}

// DMADevice 环境提供的设备DMA通路
//
// AllocCoherent returns both a CPU mapping and a device address for
// the same region. Map/Unmap cover the streaming path used when the
// pool does not allocate coherently.
type DMADevice interface {
	AllocCoherent(nbytes int, flags AllocFlags, attrs DMAAttrs) (PageID, []byte, uint64, error)
	FreeCoherent(nbytes int, base PageID, mem []byte, dmaAddr uint64, attrs DMAAttrs)
	Map(base PageID, nbytes int, dir DMADirection) (uint64, error)
	Unmap(dmaAddr uint64, nbytes int, dir DMADirection)
}

// runAllocator bridges bucket free callbacks to the underlying
// allocator. Two variants exist: plain host pages with an optional
// streaming DMA mapping, and coherent DMA allocations that preserve
// the returned CPU address for the run's whole lifetime.
type runAllocator interface {
	allocRun(order uint8, caching CachingClass, flags AllocFlags) (*Run, error)
	freeRun(r *Run)
}

// pageRunAllocator 普通页面路径，可选流式DMA映射
type pageRunAllocator struct {
	host HostAllocator
	dev  DMADevice // nil when the pool never maps
}

func (a *pageRunAllocator) allocRun(order uint8, caching CachingClass, flags AllocFlags) (*Run, error) {
	base, mem, err := a.host.AllocPages(order, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "alloc order %d", order)
	}
	r := &Run{
		base:    base,
		mem:     mem,
		order:   order,
		caching: CachingCached, // fresh host pages start out cached
		zone:    flags.Zone,
		highmem: flags.Highmem,
		state:   runOwnedByCaller,
	}
	if a.dev != nil {
		dmaAddr, err := a.dev.Map(base, r.Bytes(), DMABidirectional)
		if err != nil {
			// 映射被拒绝的run不可入池，立即释放
			a.host.FreePages(base, order)
			r.state = runFreed
			return nil, errors.Wrapf(ErrMappingFailed, "map order %d: %v", order, err)
		}
		r.dmaAddr = dmaAddr
	}
	return r, nil
}

func (a *pageRunAllocator) freeRun(r *Run) {
	if r.state == runFreed {
		logger.Errorf("double free of run at page %d order %d", r.base, r.order)
		return
	}
	if r.dmaAddr != 0 && a.dev != nil {
		a.dev.Unmap(r.dmaAddr, r.Bytes(), DMABidirectional)
		r.dmaAddr = 0
	}
	a.host.FreePages(r.base, r.order)
	r.state = runFreed
}

// dmaRunAllocator 一致性DMA路径
type dmaRunAllocator struct {
	dev DMADevice
}

func (a *dmaRunAllocator) allocRun(order uint8, caching CachingClass, flags AllocFlags) (*Run, error) {
	attrs := DMAAttrs{
		ForceContiguous: true,
		NoWarn:          order > 0, // high orders fall back, do not warn
	}
	nbytes := PageSize << order
	base, mem, dmaAddr, err := a.dev.AllocCoherent(nbytes, flags, attrs)
	if err != nil {
		return nil, errors.Wrapf(err, "dma alloc order %d", order)
	}
	return &Run{
		base:    base,
		mem:     mem, // preserved CPU address from the coherent allocator
		order:   order,
		caching: CachingCached,
		zone:    flags.Zone,
		highmem: false, // coherent memory is always mapped
		dmaAddr: dmaAddr,
		fromDMA: true,
		state:   runOwnedByCaller,
	}, nil
}

func (a *dmaRunAllocator) freeRun(r *Run) {
	if r.state == runFreed {
		logger.Errorf("double free of dma run at page %d order %d", r.base, r.order)
		return
	}
	attrs := DMAAttrs{
		ForceContiguous: true,
		NoWarn:          r.order > 0,
	}
	a.dev.FreeCoherent(r.Bytes(), r.base, r.mem, r.dmaAddr, attrs)
	r.dmaAddr = 0
	r.state = runFreed
}

// freeHostRun releases a run held by a shared bucket. Shared buckets
// only ever hold plain host pages without a streaming mapping.
func freeHostRun(host HostAllocator, r *Run) {
	if r.state == runFreed {
		logger.Errorf("double free of pooled run at page %d order %d", r.base, r.order)
		return
	}
	host.FreePages(r.base, r.order)
	r.state = runFreed
}
