package page_pool

import (
	gxsync "github.com/dubbogo/gost/sync"
)

// PoolConfig 单个页面池的配置
type PoolConfig struct {
	Name string

	// Host is the page allocator behind plain pools and must match
	// the allocator handed to Init, since plain runs can migrate into
	// the shared buckets.
	Host HostAllocator

	// Device enables the DMA paths. Required when UseDMAAlloc is set;
	// otherwise optional, enabling streaming Map/Unmap per handout.
	Device DMADevice

	// Attrs reprograms CPU caching attributes. Defaults to the no-op
	// setter when nil.
	Attrs AttributeSetter

	// UseDMAAlloc routes every allocation through the coherent DMA
	// allocator and gives the pool private buckets for all caching
	// classes.
	UseDMAAlloc bool

	// UseDMA32 constrains plain allocations to 32-bit addressable
	// memory and routes pooling to the dma32 shared buckets.
	UseDMA32 bool
}

func (c *PoolConfig) validate() error {
	if c.UseDMAAlloc {
		if c.Device == nil {
			return NewError("config", ErrInvalidConfig)
		}
	} else if c.Host == nil {
		return NewError("config", ErrInvalidConfig)
	}
	return nil
}

func (c *PoolConfig) attrs() AttributeSetter {
	if c.Attrs == nil {
		return NoopAttributeSetter{}
	}
	return c.Attrs
}

// BulkZeroer 环境提供的批量清零原语
//
// ZeroRuns maps the batch into one temporary contiguous virtual range,
// zeroes it and drops the mapping again.
type BulkZeroer interface {
	ZeroRuns(runs []*Run) error
}

// DynamicPoolConfig 带延迟清零工作者的动态池配置
type DynamicPoolConfig struct {
	Pool PoolConfig

	// DeferredZero enables the dirty-deferred path. When unset the
	// dynamic pool behaves like a plain pool on drain.
	DeferredZero bool

	// ZeroBatchRuns caps the runs zeroed per pass, ZeroPasses the
	// passes per worker wakeup.
	ZeroBatchRuns int
	ZeroPasses    int

	// Zeroer defaults to the vmap-based zeroer.
	Zeroer BulkZeroer

	// TaskPool carries the worker. A private single-task pool is
	// created when nil and closed again on Destroy.
	TaskPool gxsync.GenericTaskPool
}

func (c *DynamicPoolConfig) applyDefaults() {
	if c.ZeroBatchRuns <= 0 {
		c.ZeroBatchRuns = 32
	}
	if c.ZeroPasses <= 0 {
		c.ZeroPasses = 4
	}
	if c.Zeroer == nil {
		c.Zeroer = vmapZeroer{}
	}
}

// vmapZeroer zeroes each run through its preserved CPU mapping.
type vmapZeroer struct{}

func (vmapZeroer) ZeroRuns(runs []*Run) error {
	for _, r := range runs {
		mem := r.mem
		for i := range mem {
			mem[i] = 0
		}
	}
	return nil
}
