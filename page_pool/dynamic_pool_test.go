package page_pool

import (
	"context"
	"sync"
	"testing"
	"time"

	gxsync "github.com/dubbogo/gost/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dynamicPopulate(t *testing.T, dp *DynamicPool, n int, highmem bool) []PageID {
	t.Helper()
	out := make([]PageID, n)
	req := &PopulateRequest{
		NumPages: n,
		Caching:  CachingWriteCombined,
		Highmem:  highmem,
	}
	require.NoError(t, dp.Populate(context.Background(), req, out))
	return out
}

func TestDeferredZeroing(t *testing.T) {
	host := setupSubsystem(t, 0)

	dp, err := NewDynamicPool(&DynamicPoolConfig{
		Pool: PoolConfig{
			Name:  "zeroing",
			Host:  host,
			Attrs: &SimAttributeSetter{},
		},
		DeferredZero: true,
	})
	require.NoError(t, err)
	defer dp.Destroy()

	// 64个高端内存页面，底层返回的是未清零的内存
	pages := dynamicPopulate(t, dp, 64, true)
	for _, id := range pages {
		data := host.PageData(id)
		require.NotNil(t, data)
		require.NotZero(t, data[0], "fresh pages carry stale content in this scenario")
	}

	dp.DrainIntoPool(pages, CachingWriteCombined)
	require.True(t, dp.WaitIdle(5*time.Second), "worker must drain the dirty side")

	assert.Equal(t, int64(0), dp.DirtyPages())
	assert.Equal(t, int64(64), GlobalPages(), "all pages must be on the clean side")
	for _, id := range pages {
		data := host.PageData(id)
		require.NotNil(t, data)
		for i, v := range data {
			if v != 0 {
				t.Fatalf("page %d byte %d not zeroed", id, i)
			}
		}
	}
	assert.GreaterOrEqual(t, dp.Stats().PagesZeroed, int64(64))
}

// gateZeroer blocks every batch until the gate opens.
type gateZeroer struct {
	gate chan struct{}
}

func (g *gateZeroer) ZeroRuns(runs []*Run) error {
	<-g.gate
	for _, r := range runs {
		mem := r.Memory()
		for i := range mem {
			mem[i] = 0
		}
	}
	return nil
}

func TestScanPrefersDirtyOverClean(t *testing.T) {
	host := setupSubsystem(t, 0)

	// 一个普通池贡献干净内容
	plain, err := NewPool(&PoolConfig{
		Name:  "clean-side",
		Host:  host,
		Attrs: &SimAttributeSetter{},
	})
	require.NoError(t, err)
	defer plain.Destroy()

	cleanPages := populatePages(t, plain, &PopulateRequest{NumPages: 4, Caching: CachingUncached})
	plain.DrainIntoPool(cleanPages, CachingUncached)
	require.Equal(t, int64(4), GlobalPages())

	gate := &gateZeroer{gate: make(chan struct{})}
	dp, err := NewDynamicPool(&DynamicPoolConfig{
		Pool: PoolConfig{
			Name:  "dirty-side",
			Host:  host,
			Attrs: &SimAttributeSetter{},
		},
		DeferredZero:  true,
		ZeroBatchRuns: 1,
		Zeroer:        gate,
	})
	require.NoError(t, err)

	low := dynamicPopulate(t, dp, 4, false)
	high := dynamicPopulate(t, dp, 4, true)
	dp.DrainIntoPool(low, CachingWriteCombined)
	dp.DrainIntoPool(high, CachingWriteCombined)

	// 脏页优先于干净页被放弃
	freed := GlobalShrinker().Scan(4)
	assert.Equal(t, int64(4), freed)
	var cleanPooled int64
	for _, oc := range SnapshotOrders() {
		if oc.Caching == CachingUncached {
			cleanPooled += int64(oc.Pages)
		}
	}
	assert.Equal(t, int64(4), cleanPooled, "clean bucket content must survive while dirty pages exist")

	close(gate.gate)
	require.True(t, dp.WaitIdle(5*time.Second))
	dp.Destroy()
}

func TestReclaimDirtyLowBeforeHigh(t *testing.T) {
	host := setupSubsystem(t, 0)

	pool, err := NewPool(&PoolConfig{
		Name:  "preference",
		Host:  host,
		Attrs: &SimAttributeSetter{},
	})
	require.NoError(t, err)

	// 不启动工作者，直接检验脏页列表的取舍顺序
	dp := &DynamicPool{
		Pool:          pool,
		deferredZero:  true,
		zeroBatchRuns: 32,
		zeroPasses:    4,
		zeroer:        vmapZeroer{},
		workerDone:    make(chan struct{}),
	}
	dp.cond = sync.NewCond(&dp.mu)
	defer dp.Destroy()

	low := dynamicPopulate(t, dp, 4, false)
	high := dynamicPopulate(t, dp, 4, true)
	dp.DrainIntoPool(low, CachingWriteCombined)
	dp.DrainIntoPool(high, CachingWriteCombined)
	require.Equal(t, int64(8), dp.DirtyPages())

	// 非后台回收先舍弃低端内存
	assert.Equal(t, int64(4), dp.ReclaimDirty(4, false))
	dp.mu.Lock()
	assert.Equal(t, 0, dp.runsLow)
	assert.Equal(t, 1, dp.runsHigh)
	dp.mu.Unlock()

	// 后台回收先舍弃高端内存
	assert.Equal(t, int64(4), dp.ReclaimDirty(4, true))
	assert.Equal(t, int64(0), dp.DirtyPages())
}

func TestWorkerStartFailureRollsBack(t *testing.T) {
	host := setupSubsystem(t, 0)
	before := globalRegistry.Len()

	closed := gxsync.NewTaskPoolSimple(0)
	closed.Close()

	_, err := NewDynamicPool(&DynamicPoolConfig{
		Pool: PoolConfig{
			Name:        "stillborn",
			Device:      host,
			UseDMAAlloc: true,
		},
		DeferredZero: true,
		TaskPool:     closed,
	})
	require.Error(t, err)

	// 构造必须完整回滚，不得留下桶或页面
	assert.Equal(t, before, globalRegistry.Len())
	assert.Equal(t, 0, host.OutstandingRegions())
	assert.Equal(t, int64(0), GlobalPages())
}

func TestDynamicDestroyReleasesDirty(t *testing.T) {
	host := setupSubsystem(t, 0)

	dp, err := NewDynamicPool(&DynamicPoolConfig{
		Pool: PoolConfig{
			Name:  "teardown",
			Host:  host,
			Attrs: &SimAttributeSetter{},
		},
		DeferredZero: true,
	})
	require.NoError(t, err)

	pages := dynamicPopulate(t, dp, 32, false)
	dp.DrainIntoPool(pages, CachingWriteCombined)
	dp.Destroy()
	Teardown()

	assert.Equal(t, 0, host.OutstandingRegions())
	assert.Equal(t, int64(0), GlobalPages())
}

func TestDynamicWithoutDeferredZeroBehavesPlain(t *testing.T) {
	host := setupSubsystem(t, 0)

	dp, err := NewDynamicPool(&DynamicPoolConfig{
		Pool: PoolConfig{
			Name:  "plainish",
			Host:  host,
			Attrs: &SimAttributeSetter{},
		},
		DeferredZero: false,
	})
	require.NoError(t, err)
	defer dp.Destroy()

	pages := dynamicPopulate(t, dp, 8, false)
	dp.DrainIntoPool(pages, CachingWriteCombined)

	assert.Equal(t, int64(0), dp.DirtyPages())
	assert.Equal(t, int64(8), GlobalPages(), "runs pool directly without the dirty detour")
}
