package page_pool

// CachingClass 页面的CPU缓存属性类别
type CachingClass uint8

const (
	CachingCached CachingClass = iota
	CachingWriteCombined
	CachingUncached

	cachingClasses = 3
)

func (c CachingClass) String() string {
	switch c {
	case CachingCached:
		return "cached"
	case CachingWriteCombined:
		return "wc"
	case CachingUncached:
		return "uc"
	}
	return "unknown"
}

// Zone 内存区域限定，区分32位可寻址内存与一般内存
type Zone uint8

const (
	ZoneNormal Zone = iota
	ZoneDMA32

	zones = 2
)

func (z Zone) String() string {
	if z == ZoneDMA32 {
		return "dma32"
	}
	return "normal"
}

const (
	// PageShift 基础页面大小的对数
	PageShift = 12
	// PageSize 基础页面大小
	PageSize = 1 << PageShift
	// MaxOrder run的最大阶数上界，阶数范围[0, MaxOrder)
	MaxOrder = 11
)

// PageID identifies one base page inside the host allocator's address
// space. Consecutive IDs inside a run map to consecutive pages.
type PageID uint64

type runState uint8

const (
	runOwnedByCaller runState = iota
	runCleanInBucket
	runDirtyDeferred
	runFreed
)

func (s runState) String() string {
	switch s {
	case runOwnedByCaller:
		return "owned-by-caller"
	case runCleanInBucket:
		return "clean-in-bucket"
	case runDirtyDeferred:
		return "dirty-deferred"
	case runFreed:
		return "freed"
	}
	return "unknown"
}

// Run 一段物理连续的2^order个基础页面，作为一个整体流转
//
// A Run is the atomic unit of the pool. It carries the CPU mapping of
// the whole region, the DMA address when mapped, and the caching class
// it was last configured for. The next pointer is the intrusive link
// used by bucket lists and dirty lists; no per-add allocation happens
// on the hot path.
type Run struct {
	base    PageID
	mem     []byte // CPU映射，长度为PageSize<<order
	order   uint8
	caching CachingClass
	zone    Zone
	highmem bool
	dmaAddr uint64 // 0表示未映射
	fromDMA bool   // 经由一致性DMA路径分配
	state   runState

	next *Run // intrusive link, owned by whichever list holds the run
}

// Base returns the first base page of the run.
func (r *Run) Base() PageID { return r.base }

// Order returns the binary logarithm of the run's page count.
func (r *Run) Order() uint8 { return r.order }

// NumPages returns the number of base pages in the run.
func (r *Run) NumPages() int { return 1 << r.order }

// Bytes returns the run's size in bytes.
func (r *Run) Bytes() int { return PageSize << r.order }

// Caching returns the caching class the run was last configured for.
func (r *Run) Caching() CachingClass { return r.caching }

// Zone returns the memory zone the run was allocated from.
func (r *Run) Zone() Zone { return r.zone }

// Highmem reports whether the run came from high memory.
func (r *Run) Highmem() bool { return r.highmem }

// DMAAddr returns the device address of the run, 0 when unmapped.
func (r *Run) DMAAddr() uint64 { return r.dmaAddr }

// Memory returns the preserved CPU mapping of the run.
func (r *Run) Memory() []byte { return r.mem }

// PageAt returns the i-th base page of the run.
func (r *Run) PageAt(i int) PageID { return r.base + PageID(i) }
