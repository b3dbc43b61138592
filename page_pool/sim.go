package page_pool

import (
	"fmt"
	"sync"
)

// SimHost 内存模拟的宿主环境，供演示程序与测试使用
//
// It implements both HostAllocator and DMADevice over an in-process
// arena, with hooks to reject chosen orders and to refuse mappings,
// and counters exposing how often each order was attempted.
type SimHost struct {
	mu sync.Mutex

	nextPage PageID
	nextDMA  uint64

	regions  map[PageID]*simRegion // keyed by base page
	pageIdx  map[PageID]PageID     // any page -> region base
	mappings map[uint64]PageID

	attempts         map[uint8]int // AllocPages calls per order
	grants           map[uint8]int // successful AllocPages per order
	coherentAttempts map[uint8]int

	failAbove int16 // orders above this fail, -1 disables the hook
	failAll   bool
	refuseMap bool
}

type simRegion struct {
	base     PageID
	order    uint8
	mem      []byte
	coherent bool
}

// NewSimHost creates an empty simulated host.
func NewSimHost() *SimHost {
	return &SimHost{
		nextPage:         1,
		nextDMA:          0x1000_0000,
		regions:          make(map[PageID]*simRegion),
		pageIdx:          make(map[PageID]PageID),
		mappings:         make(map[uint64]PageID),
		attempts:         make(map[uint8]int),
		grants:           make(map[uint8]int),
		coherentAttempts: make(map[uint8]int),
		failAbove:        -1,
	}
}

// FailOrdersAbove makes AllocPages reject every order above n.
// Pass -1 to clear the hook.
func (h *SimHost) FailOrdersAbove(n int16) {
	h.mu.Lock()
	h.failAbove = n
	h.mu.Unlock()
}

// FailAll makes every allocation fail until cleared.
func (h *SimHost) FailAll(fail bool) {
	h.mu.Lock()
	h.failAll = fail
	h.mu.Unlock()
}

// RefuseMappings makes Map fail until cleared.
func (h *SimHost) RefuseMappings(refuse bool) {
	h.mu.Lock()
	h.refuseMap = refuse
	h.mu.Unlock()
}

// AllocAttempts returns how many AllocPages calls were made at order.
func (h *SimHost) AllocAttempts(order uint8) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[order]
}

// AllocGrants returns how many AllocPages calls succeeded at order.
func (h *SimHost) AllocGrants(order uint8) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grants[order]
}

// CoherentAttempts returns how many coherent allocations were made at
// order.
func (h *SimHost) CoherentAttempts(order uint8) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coherentAttempts[order]
}

// OutstandingRegions returns the number of regions not yet freed.
func (h *SimHost) OutstandingRegions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}

// PageData returns the backing bytes of one base page.
func (h *SimHost) PageData(id PageID) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	base, ok := h.pageIdx[id]
	if !ok {
		return nil
	}
	region := h.regions[base]
	off := int(id-base) * PageSize
	return region.mem[off : off+PageSize]
}

func (h *SimHost) allocRegion(order uint8, zero bool, coherent bool) *simRegion {
	region := &simRegion{
		base:     h.nextPage,
		order:    order,
		mem:      make([]byte, PageSize<<order),
		coherent: coherent,
	}
	if !zero {
		// fresh host memory carries stale content unless zeroing was
		// requested, tests rely on this to observe the deferred clean
		for i := range region.mem {
			region.mem[i] = 0xa5
		}
	}
	h.nextPage += PageID(1) << order
	h.regions[region.base] = region
	for i := 0; i < 1<<order; i++ {
		h.pageIdx[region.base+PageID(i)] = region.base
	}
	return region
}

func (h *SimHost) freeRegion(base PageID, order uint8) error {
	region, ok := h.regions[base]
	if !ok {
		return fmt.Errorf("free of unknown region at page %d", base)
	}
	if region.order != order {
		return fmt.Errorf("free order %d of region allocated at order %d", order, region.order)
	}
	for i := 0; i < 1<<region.order; i++ {
		delete(h.pageIdx, region.base+PageID(i))
	}
	delete(h.regions, base)
	return nil
}

// AllocPages implements HostAllocator.
func (h *SimHost) AllocPages(order uint8, flags AllocFlags) (PageID, []byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.attempts[order]++
	if h.failAll || (h.failAbove >= 0 && int16(order) > h.failAbove) {
		return 0, nil, fmt.Errorf("order %d rejected", order)
	}
	region := h.allocRegion(order, flags.Zero, false)
	h.grants[order]++
	return region.base, region.mem, nil
}

// FreePages implements HostAllocator.
func (h *SimHost) FreePages(base PageID, order uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.freeRegion(base, order); err != nil {
		panic(err) // the sim host is strict, a bad free is a test bug
	}
}

// AllocCoherent implements DMADevice.
func (h *SimHost) AllocCoherent(nbytes int, flags AllocFlags, attrs DMAAttrs) (PageID, []byte, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	order := uint8(0)
	for PageSize<<order < nbytes {
		order++
	}
	h.coherentAttempts[order]++
	if h.failAll || (h.failAbove >= 0 && int16(order) > h.failAbove) {
		return 0, nil, 0, fmt.Errorf("coherent order %d rejected", order)
	}
	region := h.allocRegion(order, flags.Zero, true)
	dmaAddr := h.nextDMA
	h.nextDMA += uint64(nbytes)
	h.mappings[dmaAddr] = region.base
	return region.base, region.mem, dmaAddr, nil
}

// FreeCoherent implements DMADevice.
func (h *SimHost) FreeCoherent(nbytes int, base PageID, mem []byte, dmaAddr uint64, attrs DMAAttrs) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mappings, dmaAddr)
	order := uint8(0)
	for PageSize<<order < nbytes {
		order++
	}
	if err := h.freeRegion(base, order); err != nil {
		panic(err)
	}
}

// Map implements DMADevice.
func (h *SimHost) Map(base PageID, nbytes int, dir DMADirection) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refuseMap {
		return 0, fmt.Errorf("mapping refused")
	}
	dmaAddr := h.nextDMA
	h.nextDMA += uint64(nbytes)
	h.mappings[dmaAddr] = base
	return dmaAddr, nil
}

// Unmap implements DMADevice.
func (h *SimHost) Unmap(dmaAddr uint64, nbytes int, dir DMADirection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mappings, dmaAddr)
}

// ActiveMappings returns the number of live DMA mappings.
func (h *SimHost) ActiveMappings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.mappings)
}

// SimAttributeSetter 记录批量缓存属性转换的模拟实现
type SimAttributeSetter struct {
	mu      sync.Mutex
	Batches int
	Runs    int
}

// Native reports a target with real attribute reprogramming.
func (s *SimAttributeSetter) Native() bool { return true }

func (s *SimAttributeSetter) record(runs []*Run) error {
	s.mu.Lock()
	s.Batches++
	s.Runs += len(runs)
	s.mu.Unlock()
	return nil
}

func (s *SimAttributeSetter) SetRunsWC(runs []*Run) error { return s.record(runs) }
func (s *SimAttributeSetter) SetRunsUC(runs []*Run) error { return s.record(runs) }
func (s *SimAttributeSetter) SetRunsWB(runs []*Run) error { return s.record(runs) }
