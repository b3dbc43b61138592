package page_pool

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/xpagepool/logger"
)

// ShrinkEmpty is the sentinel Count returns when nothing is pooled,
// telling the host to skip the scan entirely.
const ShrinkEmpty int64 = 0

// PressureHost 宿主的内存压力信号源
//
// The host sizes reclaim passes with the count callback and requests
// eviction of up to n base pages through the scan callback.
type PressureHost interface {
	RegisterParticipant(name string, count func() int64, scan func(n int64) int64, seeks, batch int) error
	UnregisterParticipant(name string)
}

// Shrinker 回收参与者，向宿主暴露count/scan
type Shrinker struct {
	// scanMu serializes cleanup passes: at most one scan runs at any
	// time, concurrent hosts simply queue behind it.
	scanMu sync.Mutex

	seeks int
	batch int

	mu       sync.Mutex
	dynamics []*DynamicPool

	host     PressureHost
	hostName string
}

const (
	defaultShrinkerSeeks = 2
	defaultShrinkerBatch = 512
)

func newShrinker() *Shrinker {
	return &Shrinker{
		seeks: defaultShrinkerSeeks,
		batch: defaultShrinkerBatch,
	}
}

// GlobalShrinker returns the subsystem's reclaim participant, nil
// before Init.
func GlobalShrinker() *Shrinker {
	mgrMu.Lock()
	defer mgrMu.Unlock()
	return globalShrinker
}

// Count returns the pooled page total, ShrinkEmpty when there is
// nothing to give back. The value is a racy snapshot by design, it is
// only an eviction hint.
func (s *Shrinker) Count() int64 {
	n := GlobalPages()
	if n <= 0 {
		return ShrinkEmpty
	}
	return n
}

// Scan frees up to nrToScan base pages. Dirty-deferred pages go first
// since discarding them saves the zeroing work, then clean runs are
// evicted round-robin across every registered bucket. Each iteration
// both frees one run and rotates the registry, so the aggregate
// traversal is fair.
func (s *Shrinker) Scan(nrToScan int64) int64 {
	return s.scan(nrToScan, false)
}

// ScanBackground is Scan under background reclaim, where the dynamic
// pools give up high memory first.
func (s *Shrinker) ScanBackground(nrToScan int64) int64 {
	return s.scan(nrToScan, true)
}

func (s *Shrinker) scan(nrToScan int64, background bool) int64 {
	if nrToScan <= 0 {
		return 0
	}
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	var freed int64

	s.mu.Lock()
	dynamics := make([]*DynamicPool, len(s.dynamics))
	copy(dynamics, s.dynamics)
	s.mu.Unlock()

	for _, dp := range dynamics {
		if freed >= nrToScan {
			break
		}
		freed += dp.ReclaimDirty(nrToScan-freed, background)
	}

	misses := 0
	for freed < nrToScan && GlobalPages() > 0 {
		n := globalRegistry.ReclaimOne()
		if n == 0 {
			// a full fruitless rotation means the counter is held up
			// by in-flight or dirty pages only
			misses++
			if misses >= globalRegistry.Len() {
				break
			}
			continue
		}
		misses = 0
		atomic.AddInt64(&globalCleanup, 1)
		freed += int64(n)
	}
	return freed
}

// Register plugs the participant into the host pressure signal.
func (s *Shrinker) Register(host PressureHost, name string) error {
	if host == nil {
		return NewError("register shrinker", ErrInvalidConfig)
	}
	err := host.RegisterParticipant(name, s.Count, s.Scan, s.seeks, s.batch)
	if err != nil {
		return errors.Annotatef(err, "register participant %s", name)
	}
	s.host = host
	s.hostName = name
	logger.Infof("reclaim participant %s registered, seeks %d batch %d", name, s.seeks, s.batch)
	return nil
}

// Unregister detaches from the host pressure signal.
func (s *Shrinker) Unregister() {
	if s.host == nil {
		return
	}
	s.host.UnregisterParticipant(s.hostName)
	s.host = nil
	s.hostName = ""
}

func registerDynamic(dp *DynamicPool) {
	s := GlobalShrinker()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.dynamics = append(s.dynamics, dp)
	s.mu.Unlock()
}

func unregisterDynamic(dp *DynamicPool) {
	s := GlobalShrinker()
	if s == nil {
		return
	}
	s.mu.Lock()
	for i, d := range s.dynamics {
		if d == dp {
			s.dynamics = append(s.dynamics[:i], s.dynamics[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}
